package swarm

type Role string

const (
	RoleLeader   Role = "leader"
	RoleWorker   Role = "worker"
	RoleReviewer Role = "reviewer"
)

type Member struct {
	AgentID string `json:"agent_id"`
	Role    Role   `json:"role"`
}

type Team struct {
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

type Task struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Description string     `json:"description"`
	AssignedTo  string     `json:"assigned_to"`
	Status      TaskStatus `json:"status"`
}
