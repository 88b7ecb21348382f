package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"aether/internal/repo"
)

// knowledge keys consulted when assembling model context.
var contextKeys = []string{"approved_strategy", "design_specs", "project_history"}

// buildProjectContext assembles the prompt context for a project: the
// vision, the latest knowledge per key, and recorded artifacts.
func (e Engine) buildProjectContext(ctx context.Context, projectID int64) (string, error) {
	project, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", project.Name)
	fmt.Fprintf(&b, "Status: %s\n", project.Status)
	if project.Description != "" {
		fmt.Fprintf(&b, "Vision:\n%s\n", project.Description)
	}
	for _, key := range contextKeys {
		k, err := e.Repo.LatestKnowledge(ctx, projectID, key)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "\n%s:\n%s\n", key, k.Value)
	}
	attachments, err := e.Repo.ListAttachments(ctx, projectID)
	if err != nil {
		return "", err
	}
	if len(attachments) > 0 {
		b.WriteString("\nAttachments:\n")
		for _, a := range attachments {
			fmt.Fprintf(&b, "- %s (%s)\n", a.FileName, a.MimeType)
		}
	}
	return b.String(), nil
}
