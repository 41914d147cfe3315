package swarm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codervisor/clawden/internal/natsbus"
)

var (
	ErrTeamNotFound = errors.New("team not found")
	ErrTeamExists   = errors.New("team already exists")
	ErrNoWorkers    = errors.New("team has no workers")
	ErrTaskNotFound = errors.New("task not found")
)

// Coordinator tracks teams and fans tasks out across their workers.
// Team names are unique.
type Coordinator struct {
	mu     sync.RWMutex
	teams  []Team
	tasks  []Task
	nextID uint64

	events natsbus.Publisher
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

func (c *Coordinator) SetPublisher(p natsbus.Publisher) {
	c.events = p
}

// CreateTeam registers a team. A second team with an existing name is
// rejected with ErrTeamExists.
func (c *Coordinator) CreateTeam(name string, members []Member) (Team, error) {
	team := Team{Name: name, Members: append([]Member(nil), members...)}

	c.mu.Lock()
	for _, t := range c.teams {
		if t.Name == name {
			c.mu.Unlock()
			return Team{}, fmt.Errorf("%w: %s", ErrTeamExists, name)
		}
	}
	c.teams = append(c.teams, team)
	c.mu.Unlock()

	slog.Info("swarm team created", "team", name, "members", len(members))
	c.publishEvent("team_created", map[string]any{"team": name, "members": members})
	return team, nil
}

func (c *Coordinator) FindTeam(name string) (Team, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.teams {
		if t.Name == name {
			return t, true
		}
	}
	return Team{}, false
}

// ListTeams returns teams in creation order.
func (c *Coordinator) ListTeams() []Team {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Team(nil), c.teams...)
}

// FanOut creates one in-progress parent task owned by the team leader (or
// the first worker when there is none) and one pending child per
// description, assigned round-robin across leaders and workers. Reviewers
// never receive subtasks. It returns the children.
func (c *Coordinator) FanOut(teamName, description string, subtasks []string) ([]Task, error) {
	c.mu.Lock()

	var team *Team
	for i := range c.teams {
		if c.teams[i].Name == teamName {
			team = &c.teams[i]
			break
		}
	}
	if team == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: team '%s' not found", ErrTeamNotFound, teamName)
	}

	var workers []string
	leader := ""
	for _, m := range team.Members {
		switch m.Role {
		case RoleLeader:
			if leader == "" {
				leader = m.AgentID
			}
			workers = append(workers, m.AgentID)
		case RoleWorker:
			workers = append(workers, m.AgentID)
		}
	}
	if len(workers) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNoWorkers, teamName)
	}
	if leader == "" {
		leader = workers[0]
	}

	parent := Task{
		ID:          c.allocID(),
		Description: description,
		AssignedTo:  leader,
		Status:      TaskInProgress,
	}
	c.tasks = append(c.tasks, parent)

	children := make([]Task, 0, len(subtasks))
	for i, desc := range subtasks {
		child := Task{
			ID:          c.allocID(),
			ParentID:    parent.ID,
			Description: desc,
			AssignedTo:  workers[i%len(workers)],
			Status:      TaskPending,
		}
		c.tasks = append(c.tasks, child)
		children = append(children, child)
	}
	c.mu.Unlock()

	slog.Info("swarm fan-out", "team", teamName, "parent", parent.ID, "subtasks", len(children))
	c.publishEvent("fan_out", map[string]any{
		"team":     teamName,
		"parent":   parent,
		"subtasks": children,
	})
	return children, nil
}

func (c *Coordinator) allocID() string {
	id := fmt.Sprintf("swarm-task-%d", c.nextID)
	c.nextID++
	return id
}

// ListTasks returns tasks under parentID, or every task when parentID is
// empty.
func (c *Coordinator) ListTasks(parentID string) []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Task
	for _, t := range c.tasks {
		if parentID == "" || t.ParentID == parentID {
			out = append(out, t)
		}
	}
	return out
}

func (c *Coordinator) GetTask(id string) (Task, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

func (c *Coordinator) CompleteTask(id string) error {
	return c.setStatus(id, TaskCompleted)
}

func (c *Coordinator) FailTask(id string) error {
	return c.setStatus(id, TaskFailed)
}

func (c *Coordinator) setStatus(id string, status TaskStatus) error {
	c.mu.Lock()
	var task *Task
	for i := range c.tasks {
		if c.tasks[i].ID == id {
			task = &c.tasks[i]
			break
		}
	}
	if task == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	task.Status = status
	snapshot := *task
	complete := snapshot.ParentID != "" && c.fanOutCompleteLocked(snapshot.ParentID)
	c.mu.Unlock()

	c.publishEvent("task_"+string(status), snapshot)
	if complete {
		slog.Info("swarm fan-out complete", "parent", snapshot.ParentID)
		c.publishEvent("fan_out_complete", map[string]string{"parent": snapshot.ParentID})
	}
	return nil
}

// IsFanOutComplete reports whether parentID has at least one subtask and
// all of them are completed.
func (c *Coordinator) IsFanOutComplete(parentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fanOutCompleteLocked(parentID)
}

func (c *Coordinator) fanOutCompleteLocked(parentID string) bool {
	n := 0
	for _, t := range c.tasks {
		if t.ParentID != parentID {
			continue
		}
		if t.Status != TaskCompleted {
			return false
		}
		n++
	}
	return n > 0
}

func (c *Coordinator) publishEvent(eventType string, data any) {
	natsbus.Emit(c.events, natsbus.TopicEventsSwarm(eventType), eventType, data)
}
