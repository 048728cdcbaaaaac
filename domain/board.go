package domain

// Board is the top level container of lists.
type Board struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`
	Lists       []List `json:"lists"`
}

// OwnerValid reports whether exactly one parent reference is set.
func (b Board) OwnerValid() bool {
	return (b.WorkspaceID == "") != (b.ProjectID == "")
}

// List is an ordered column of a board.
type List struct {
	ID      string `json:"id"`
	BoardID string `json:"board_id"`
	Name    string `json:"name"`
	Order   int    `json:"order"`
	Tasks   []Task `json:"tasks"`
}

// Clone returns a deep copy of l.
func (l List) Clone() List {
	out := l
	if l.Tasks != nil {
		out.Tasks = make([]Task, len(l.Tasks))
		for i, t := range l.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	return out
}

// Actor identifies who performed a mutation and from which realtime connection.
type Actor struct {
	UserID   string `json:"id"`
	Name     string `json:"name,omitempty"`
	SocketID string `json:"-"`
}

// Position is a client supplied {id, order} pair.
type Position struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}
