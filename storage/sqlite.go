package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"prism-board/domain"
	"prism-board/ordering"
)

const schema = `
CREATE TABLE IF NOT EXISTS boards (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	workspace_id TEXT,
	project_id TEXT
);

CREATE TABLE IF NOT EXISTS board_members (
	board_id TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	PRIMARY KEY (board_id, user_id)
);

CREATE TABLE IF NOT EXISTS lists (
	id TEXT PRIMARY KEY,
	board_id TEXT NOT NULL REFERENCES boards(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	ord INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	board_id TEXT NOT NULL,
	list_id TEXT NOT NULL REFERENCES lists(id) ON DELETE CASCADE,
	title TEXT NOT NULL,
	description TEXT,
	due_date TEXT,
	priority TEXT NOT NULL DEFAULT 'medium',
	ord INTEGER NOT NULL,
	archived INTEGER NOT NULL DEFAULT 0,
	completed INTEGER NOT NULL DEFAULT 0,
	created_by TEXT
);

CREATE TABLE IF NOT EXISTS task_assignees (
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	PRIMARY KEY (task_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_lists_board ON lists(board_id, ord);
CREATE INDEX IF NOT EXISTS idx_tasks_list ON tasks(list_id, ord);
`

// SQLite is a Store backed by a single SQLite database file. All access goes
// through one connection, so transactions are serialized and a reorder never
// observes another reorder half applied.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000", schema} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
	}
	return &SQLite{db: db}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// InTx runs fn in a database transaction and commits when it returns nil.
func (s *SQLite) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transactionError("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	return transactionError("commit", tx.Commit())
}

// Snapshot reads the active view of a board in a read transaction.
func (s *SQLite) Snapshot(ctx context.Context, boardID string) (domain.Board, error) {
	var b domain.Board
	err := s.InTx(ctx, func(tx Tx) error {
		var err error
		b, err = snapshotIn(ctx, tx, boardID)
		return err
	})
	return b, err
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Board(ctx context.Context, id string) (domain.Board, error) {
	var (
		b         domain.Board
		workspace sql.NullString
		project   sql.NullString
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, name, workspace_id, project_id FROM boards WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &workspace, &project)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Board{}, notFound("board", id)
	}
	if err != nil {
		return domain.Board{}, transactionError("read board", err)
	}
	b.WorkspaceID = workspace.String
	b.ProjectID = project.String
	return b, nil
}

func (t *sqliteTx) List(ctx context.Context, id string) (domain.List, error) {
	var l domain.List
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, board_id, name, ord FROM lists WHERE id = ?`, id,
	).Scan(&l.ID, &l.BoardID, &l.Name, &l.Order)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.List{}, notFound("list", id)
	}
	if err != nil {
		return domain.List{}, transactionError("read list", err)
	}
	return l, nil
}

func (t *sqliteTx) Lists(ctx context.Context, boardID string) ([]domain.List, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, board_id, name, ord FROM lists WHERE board_id = ? ORDER BY ord, id`, boardID)
	if err != nil {
		return nil, transactionError("read lists", err)
	}
	defer rows.Close()

	lists := []domain.List{}
	for rows.Next() {
		var l domain.List
		if err := rows.Scan(&l.ID, &l.BoardID, &l.Name, &l.Order); err != nil {
			return nil, transactionError("scan list", err)
		}
		lists = append(lists, l)
	}
	return lists, transactionError("read lists", rows.Err())
}

const taskColumns = `id, board_id, list_id, title, description, due_date, priority, ord, archived, completed, created_by`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var (
		task      domain.Task
		desc      sql.NullString
		due       sql.NullString
		priority  string
		createdBy sql.NullString
	)
	if err := scan(&task.ID, &task.BoardID, &task.ListID, &task.Title, &desc, &due,
		&priority, &task.Order, &task.Archived, &task.Completed, &createdBy); err != nil {
		return domain.Task{}, err
	}
	task.Description = desc.String
	task.Priority = domain.Priority(priority)
	task.CreatedBy = createdBy.String
	if due.Valid && due.String != "" {
		d, err := time.Parse(time.RFC3339, due.String)
		if err != nil {
			return domain.Task{}, fmt.Errorf("task %s due date: %w", task.ID, err)
		}
		task.DueDate = &d
	}
	return task, nil
}

func (t *sqliteTx) Task(ctx context.Context, id string) (domain.Task, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, notFound("task", id)
	}
	if err != nil {
		return domain.Task{}, transactionError("read task", err)
	}
	assignees, err := t.assignees(ctx, `WHERE task_id = ?`, id)
	if err != nil {
		return domain.Task{}, err
	}
	task.Assignees = assignees[id]
	return task, nil
}

func (t *sqliteTx) Tasks(ctx context.Context, listID string) ([]domain.Task, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE list_id = ? ORDER BY ord, id`, listID)
	if err != nil {
		return nil, transactionError("read tasks", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, transactionError("scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, transactionError("read tasks", err)
	}
	rows.Close()

	assignees, err := t.assignees(ctx,
		`WHERE task_id IN (SELECT id FROM tasks WHERE list_id = ?)`, listID)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Assignees = assignees[tasks[i].ID]
	}
	return tasks, nil
}

func (t *sqliteTx) assignees(ctx context.Context, where string, arg string) (map[string][]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT task_id, user_id FROM task_assignees `+where+` ORDER BY task_id, user_id`, arg)
	if err != nil {
		return nil, transactionError("read assignees", err)
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var taskID, userID string
		if err := rows.Scan(&taskID, &userID); err != nil {
			return nil, transactionError("scan assignee", err)
		}
		out[taskID] = append(out[taskID], userID)
	}
	return out, transactionError("read assignees", rows.Err())
}

func (t *sqliteTx) IsMember(ctx context.Context, boardID, userID string) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM board_members WHERE board_id = ? AND user_id = ?`, boardID, userID,
	).Scan(&n)
	if err != nil {
		return false, transactionError("read membership", err)
	}
	return n > 0, nil
}

func (t *sqliteTx) PutBoard(ctx context.Context, b domain.Board) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO boards (id, name, workspace_id, project_id) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name,
			workspace_id = excluded.workspace_id, project_id = excluded.project_id`,
		b.ID, b.Name, nullString(b.WorkspaceID), nullString(b.ProjectID))
	return transactionError("write board", err)
}

func (t *sqliteTx) AddMembers(ctx context.Context, boardID string, userIDs []string) error {
	for _, uid := range userIDs {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO board_members (board_id, user_id) VALUES (?, ?)`, boardID, uid); err != nil {
			return transactionError("write member", err)
		}
	}
	return nil
}

func (t *sqliteTx) PutList(ctx context.Context, l domain.List) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO lists (id, board_id, name, ord) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, ord = excluded.ord`,
		l.ID, l.BoardID, l.Name, l.Order)
	return transactionError("write list", err)
}

func (t *sqliteTx) PutTask(ctx context.Context, task domain.Task) error {
	var due sql.NullString
	if task.DueDate != nil {
		due = sql.NullString{String: task.DueDate.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET list_id = excluded.list_id, title = excluded.title,
			description = excluded.description, due_date = excluded.due_date,
			priority = excluded.priority, ord = excluded.ord, archived = excluded.archived,
			completed = excluded.completed`,
		task.ID, task.BoardID, task.ListID, task.Title, nullString(task.Description), due,
		string(task.Priority), task.Order, task.Archived, task.Completed, nullString(task.CreatedBy))
	if err != nil {
		return transactionError("write task", err)
	}

	if _, err := t.tx.ExecContext(ctx, `DELETE FROM task_assignees WHERE task_id = ?`, task.ID); err != nil {
		return transactionError("write assignees", err)
	}
	for _, uid := range task.Assignees {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO task_assignees (task_id, user_id) VALUES (?, ?)`, task.ID, uid); err != nil {
			return transactionError("write assignees", err)
		}
	}
	return nil
}

func (t *sqliteTx) DeleteList(ctx context.Context, l domain.List) error {
	for _, stmt := range []string{
		`DELETE FROM task_assignees WHERE task_id IN (SELECT id FROM tasks WHERE list_id = ?)`,
		`DELETE FROM tasks WHERE list_id = ?`,
		`DELETE FROM lists WHERE id = ?`,
	} {
		if _, err := t.tx.ExecContext(ctx, stmt, l.ID); err != nil {
			return transactionError("delete list", err)
		}
	}
	return nil
}

func (t *sqliteTx) DeleteTask(ctx context.Context, task domain.Task) error {
	for _, stmt := range []string{
		`DELETE FROM task_assignees WHERE task_id = ?`,
		`DELETE FROM tasks WHERE id = ?`,
	} {
		if _, err := t.tx.ExecContext(ctx, stmt, task.ID); err != nil {
			return transactionError("delete task", err)
		}
	}
	return nil
}

func (t *sqliteTx) SetListOrders(ctx context.Context, boardID string, orders []ordering.Assignment) error {
	return t.setOrders(ctx, `UPDATE lists SET ord = ? WHERE id = ? AND board_id = ?`, boardID, "list", orders)
}

func (t *sqliteTx) SetTaskOrders(ctx context.Context, boardID, listID string, orders []ordering.Assignment) error {
	return t.setOrders(ctx, `UPDATE tasks SET ord = ? WHERE id = ? AND list_id = ?`, listID, "task", orders)
}

func (t *sqliteTx) setOrders(ctx context.Context, stmt, parent, kind string, orders []ordering.Assignment) error {
	prepared, err := t.tx.PrepareContext(ctx, stmt)
	if err != nil {
		return transactionError("prepare "+kind+" orders", err)
	}
	defer prepared.Close()

	for _, a := range orders {
		res, err := prepared.ExecContext(ctx, a.Order, a.ID, parent)
		if err != nil {
			return transactionError("write "+kind+" order", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return notFound(kind, a.ID)
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
