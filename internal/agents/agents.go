// Package agents defines the closed set of specialist roles. Dispatch
// happens through the role value and its Profile, not subclassing.
package agents

// Role identifies a specialist. The set is closed.
type Role string

const (
	ProjectManager Role = "project_manager"
	Research       Role = "research"
	Architecture   Role = "architecture"
	UIUX           Role = "ui_ux"
	Frontend       Role = "frontend"
	Backend        Role = "backend"
	DevOps         Role = "devops"
	QA             Role = "qa"
)

// Roles lists every role in seed order.
func Roles() []Role {
	return []Role{ProjectManager, Research, Architecture, UIUX, Frontend, Backend, DevOps, QA}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case ProjectManager, Research, Architecture, UIUX, Frontend, Backend, DevOps, QA:
		return true
	}
	return false
}

// Profile carries the per-role data needed to build a system prompt
// and a capability list.
type Profile struct {
	Role           Role
	Name           string
	Specialization string
	Persona        string
	SystemPrompt   string
	Capabilities   []string
}

var profiles = map[Role]Profile{
	ProjectManager: {
		Role:           ProjectManager,
		Name:           "Atlas - AI Project Manager",
		Specialization: "Strategic planning, project decomposition, team coordination, and stakeholder communication",
		Persona:        "personas/project-manager.md",
		SystemPrompt:   "You are Atlas, an AI project manager. You analyze project ideas, draft strategies, and decompose approved strategies into subsystems, modules, and tasks.",
		Capabilities:   []string{"analyze_project", "draft_strategy", "breakdown_project", "submit_proposal"},
	},
	Research: {
		Role:           Research,
		Name:           "Sage - Research Agent",
		Specialization: "Market research, competitive analysis, technical feasibility studies, and information gathering",
		Persona:        "personas/research.md",
		SystemPrompt:   "You are Sage, a research agent. You gather market, competitive, and feasibility findings and summarize them for planning.",
		Capabilities:   []string{"research_market", "assess_feasibility", "summarize_findings"},
	},
	Architecture: {
		Role:           Architecture,
		Name:           "Architect - System Designer",
		Specialization: "System architecture design, data modeling, API specifications, and technology selection",
		Persona:        "personas/architecture.md",
		SystemPrompt:   "You are Architect, a system designer. You produce architecture designs, data models, and API specifications.",
		Capabilities:   []string{"design_architecture", "model_data", "specify_apis"},
	},
	UIUX: {
		Role:           UIUX,
		Name:           "Pixel - UI/UX Designer",
		Specialization: "User interface design, user experience optimization, wireframing, and design systems",
		Persona:        "personas/ui-ux.md",
		SystemPrompt:   "You are Pixel, a UI/UX designer. You produce wireframes, interface designs, and design-system guidance.",
		Capabilities:   []string{"design_ui", "wireframe", "define_design_system"},
	},
	Frontend: {
		Role:           Frontend,
		Name:           "React - Frontend Developer",
		Specialization: "Frontend development, React/Vue/Angular, responsive design, and client-side optimization",
		Persona:        "personas/frontend.md",
		SystemPrompt:   "You are React, a frontend developer. You implement user interfaces and client-side behavior.",
		Capabilities:   []string{"implement_ui", "optimize_client"},
	},
	Backend: {
		Role:           Backend,
		Name:           "Node - Backend Developer",
		Specialization: "Backend development, API design, database management, and server-side logic",
		Persona:        "personas/backend.md",
		SystemPrompt:   "You are Node, a backend developer. You implement APIs, persistence, and server-side logic.",
		Capabilities:   []string{"implement_api", "manage_database"},
	},
	DevOps: {
		Role:           DevOps,
		Name:           "Deploy - DevOps Engineer",
		Specialization: "Deployment automation, infrastructure management, CI/CD pipelines, and monitoring",
		Persona:        "personas/devops.md",
		SystemPrompt:   "You are Deploy, a devops engineer. You automate deployment, infrastructure, and pipelines.",
		Capabilities:   []string{"automate_deploy", "manage_infrastructure"},
	},
	QA: {
		Role:           QA,
		Name:           "Test - QA Engineer",
		Specialization: "Testing, quality assurance, bug tracking, and validation",
		Persona:        "personas/qa.md",
		SystemPrompt:   "You are Test, a QA engineer. You validate implementations against requirements and track defects.",
		Capabilities:   []string{"validate", "track_bugs", "sign_off"},
	},
}

// ProfileFor returns the profile for a role; ok is false for unknown
// roles.
func ProfileFor(r Role) (Profile, bool) {
	p, ok := profiles[r]
	return p, ok
}

// Seeds returns the profiles used to initialize the agent table.
func Seeds() []Profile {
	res := make([]Profile, 0, len(profiles))
	for _, r := range Roles() {
		res = append(res, profiles[r])
	}
	return res
}
