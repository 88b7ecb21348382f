// Package gsync mirrors local tasks into a remote task list on a
// fixed interval. The remote list is a read model; reconciliation is
// one-way and per-item failures never abort a pass.
package gsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"aether/internal/domain"
	"aether/internal/repo"
)

// Syncer reconciles open and completed tasks with the remote list.
type Syncer struct {
	Repo     repo.Repo
	Client   Client
	ListID   string
	Interval time.Duration
	Logger   *log.Logger
	Now      func() time.Time

	stop chan struct{}
}

func (s *Syncer) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start runs the reconciliation loop until Stop or context cancel.
func (s *Syncer) Start(ctx context.Context) {
	if s.Interval <= 0 {
		s.Interval = 15 * time.Minute
	}
	s.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if err := s.RunOnce(ctx); err != nil {
					s.logger().Printf("sync: pass failed: %v", err)
				}
			}
		}
	}()
}

func (s *Syncer) Stop() {
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

// RunOnce performs one reconciliation pass. A failing item is logged
// and skipped; only a failure to reach the remote list aborts.
func (s *Syncer) RunOnce(ctx context.Context) error {
	remote, err := s.Client.ListTasks(ctx, s.ListID)
	if err != nil {
		return fmt.Errorf("list remote tasks: %w", err)
	}
	byID := make(map[string]RemoteTask, len(remote))
	byTitle := make(map[string]RemoteTask, len(remote))
	for _, rt := range remote {
		byID[rt.ID] = rt
		if _, dup := byTitle[rt.Title]; !dup {
			byTitle[rt.Title] = rt
		}
	}

	// Open tasks drive creation and adoption; finished tasks are only
	// touched through a link persisted while they were open.
	tasks, err := s.Repo.ListTasksByStatuses(ctx,
		domain.TaskPending, domain.TaskAssigned, domain.TaskInProgress)
	if err != nil {
		return err
	}
	open := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		open[t.ID] = true
		if err := s.syncTask(ctx, t, byID, byTitle); err != nil {
			s.logger().Printf("sync: task %d: %v", t.ID, err)
		}
	}

	links, err := s.Repo.ListTaskLinks(ctx)
	if err != nil {
		return err
	}
	for _, link := range links {
		if open[link.TaskID] {
			continue
		}
		if err := s.closeRemote(ctx, link, byID); err != nil {
			s.logger().Printf("sync: task %d: %v", link.TaskID, err)
		}
	}
	return nil
}

// closeRemote flips a linked remote item to completed once the local
// task has finished.
func (s *Syncer) closeRemote(ctx context.Context, link domain.TaskLink, byID map[string]RemoteTask) error {
	t, err := s.Repo.GetTask(ctx, link.TaskID)
	if err != nil {
		return err
	}
	if t.Status != domain.TaskCompleted && t.Status != domain.TaskApproved {
		return nil
	}
	rt, ok := byID[link.RemoteID]
	if !ok {
		return nil
	}
	if rt.Status == "completed" {
		return s.Repo.TouchTaskLink(ctx, link.TaskID, s.now().UTC().Format(time.RFC3339))
	}
	rt.Title = fmt.Sprintf("[%d] %s", t.ID, t.Title)
	rt.Notes = t.Description
	rt.Status = "completed"
	if _, err := s.Client.UpdateTask(ctx, s.ListID, rt); err != nil {
		return err
	}
	return s.Repo.TouchTaskLink(ctx, link.TaskID, s.now().UTC().Format(time.RFC3339))
}

func remoteStatus(local string) string {
	if local == domain.TaskCompleted || local == domain.TaskApproved {
		return "completed"
	}
	return "needsAction"
}

func (s *Syncer) syncTask(ctx context.Context, t domain.Task, byID, byTitle map[string]RemoteTask) error {
	want := RemoteTask{
		Title:  fmt.Sprintf("[%d] %s", t.ID, t.Title),
		Notes:  t.Description,
		Status: remoteStatus(t.Status),
	}
	syncedAt := s.now().UTC().Format(time.RFC3339)

	link, err := s.Repo.GetTaskLink(ctx, t.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil {
		rt, ok := byID[link.RemoteID]
		if !ok {
			// remote side deleted the item; recreate under the same link
			created, err := s.Client.CreateTask(ctx, s.ListID, want)
			if err != nil {
				return err
			}
			return s.Repo.UpsertTaskLink(ctx, domain.TaskLink{TaskID: t.ID, RemoteID: created.ID, ListID: s.ListID, SyncedAt: syncedAt})
		}
		if rt.Status == want.Status && rt.Title == want.Title {
			return s.Repo.TouchTaskLink(ctx, t.ID, syncedAt)
		}
		want.ID = rt.ID
		if _, err := s.Client.UpdateTask(ctx, s.ListID, want); err != nil {
			return err
		}
		return s.Repo.TouchTaskLink(ctx, t.ID, syncedAt)
	}

	// no persisted link yet: adopt a title match once, otherwise create
	if rt, ok := byTitle[want.Title]; ok {
		if rt.Status != want.Status {
			want.ID = rt.ID
			if _, err := s.Client.UpdateTask(ctx, s.ListID, want); err != nil {
				return err
			}
		}
		return s.Repo.UpsertTaskLink(ctx, domain.TaskLink{TaskID: t.ID, RemoteID: rt.ID, ListID: s.ListID, SyncedAt: syncedAt})
	}
	created, err := s.Client.CreateTask(ctx, s.ListID, want)
	if err != nil {
		return err
	}
	return s.Repo.UpsertTaskLink(ctx, domain.TaskLink{TaskID: t.ID, RemoteID: created.ID, ListID: s.ListID, SyncedAt: syncedAt})
}
