package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"prism-board/domain"
	"prism-board/ordering"
)

// maxBatchActions is the entity group transaction limit of Azure Tables.
const maxBatchActions = 100

const (
	kindBoard  = "board"
	kindList   = "list"
	kindTask   = "task"
	kindMember = "member"
)

// boardRow is the single entity shape stored in the boards table. The board
// id is the partition key, so every write of one mutation lands in the same
// entity group transaction.
type boardRow struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Kind         string `json:"Kind"`
	Name         string `json:"Name,omitempty"`
	WorkspaceID  string `json:"WorkspaceID,omitempty"`
	ProjectID    string `json:"ProjectID,omitempty"`
	ListID       string `json:"ListID,omitempty"`
	Title        string `json:"Title,omitempty"`
	Description  string `json:"Description,omitempty"`
	DueDate      string `json:"DueDate,omitempty"`
	Priority     string `json:"Priority,omitempty"`
	Order        int    `json:"Order"`
	Archived     bool   `json:"Archived"`
	Completed    bool   `json:"Completed"`
	Assignees    string `json:"Assignees,omitempty"`
	CreatedBy    string `json:"CreatedBy,omitempty"`
	UserID       string `json:"UserID,omitempty"`
}

type orderUpdate struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
	Order        int    `json:"Order"`
}

func rowKey(kind, id string) string {
	if kind == kindBoard {
		return kindBoard
	}
	return kind + "_" + id
}

func idFromRowKey(rk string) string {
	if i := strings.IndexByte(rk, '_'); i >= 0 {
		return rk[i+1:]
	}
	return rk
}

func boardToRow(b domain.Board) boardRow {
	return boardRow{PartitionKey: b.ID, RowKey: rowKey(kindBoard, b.ID), Kind: kindBoard,
		Name: b.Name, WorkspaceID: b.WorkspaceID, ProjectID: b.ProjectID}
}

func listToRow(l domain.List) boardRow {
	return boardRow{PartitionKey: l.BoardID, RowKey: rowKey(kindList, l.ID), Kind: kindList,
		Name: l.Name, Order: l.Order}
}

func taskToRow(t domain.Task) boardRow {
	r := boardRow{
		PartitionKey: t.BoardID,
		RowKey:       rowKey(kindTask, t.ID),
		Kind:         kindTask,
		ListID:       t.ListID,
		Title:        t.Title,
		Description:  t.Description,
		Priority:     string(t.Priority),
		Order:        t.Order,
		Archived:     t.Archived,
		Completed:    t.Completed,
		Assignees:    strings.Join(t.Assignees, ","),
		CreatedBy:    t.CreatedBy,
	}
	if t.DueDate != nil {
		r.DueDate = t.DueDate.UTC().Format(time.RFC3339)
	}
	return r
}

func (r boardRow) board() domain.Board {
	return domain.Board{ID: r.PartitionKey, Name: r.Name, WorkspaceID: r.WorkspaceID, ProjectID: r.ProjectID}
}

func (r boardRow) list() domain.List {
	return domain.List{ID: idFromRowKey(r.RowKey), BoardID: r.PartitionKey, Name: r.Name, Order: r.Order}
}

func (r boardRow) task() (domain.Task, error) {
	t := domain.Task{
		ID:          idFromRowKey(r.RowKey),
		BoardID:     r.PartitionKey,
		ListID:      r.ListID,
		Title:       r.Title,
		Description: r.Description,
		Priority:    domain.Priority(r.Priority),
		Order:       r.Order,
		Archived:    r.Archived,
		Completed:   r.Completed,
		CreatedBy:   r.CreatedBy,
	}
	if r.Assignees != "" {
		t.Assignees = strings.Split(r.Assignees, ",")
	}
	if r.DueDate != "" {
		d, err := time.Parse(time.RFC3339, r.DueDate)
		if err != nil {
			return domain.Task{}, fmt.Errorf("task %s due date: %w", t.ID, err)
		}
		t.DueDate = &d
	}
	return t, nil
}

// rowQuery selects rows by equality on the set fields.
type rowQuery struct {
	PartitionKey string
	RowKey       string
	Kind         string
	ListID       string
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// filter renders q as an OData filter expression.
func (q rowQuery) filter() string {
	var parts []string
	add := func(field, v string) {
		if v != "" {
			parts = append(parts, field+" eq "+quote(v))
		}
	}
	add("PartitionKey", q.PartitionKey)
	add("RowKey", q.RowKey)
	add("Kind", q.Kind)
	add("ListID", q.ListID)
	return strings.Join(parts, " and ")
}

func (q rowQuery) matches(r boardRow) bool {
	return (q.PartitionKey == "" || q.PartitionKey == r.PartitionKey) &&
		(q.RowKey == "" || q.RowKey == r.RowKey) &&
		(q.Kind == "" || q.Kind == r.Kind) &&
		(q.ListID == "" || q.ListID == r.ListID)
}

// tableAPI is the subset of the table service the store relies on.
type tableAPI interface {
	// get returns nil when the entity does not exist.
	get(ctx context.Context, pk, rk string) (*boardRow, error)
	query(ctx context.Context, q rowQuery) ([]boardRow, error)
	submit(ctx context.Context, actions []aztables.TransactionAction) error
}

type azureTable struct {
	client *aztables.Client
}

func (a *azureTable) get(ctx context.Context, pk, rk string) (*boardRow, error) {
	ent, err := a.client.GetEntity(ctx, pk, rk, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, err
	}
	var r boardRow
	if err := json.Unmarshal(ent.Value, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (a *azureTable) query(ctx context.Context, q rowQuery) ([]boardRow, error) {
	filter := q.filter()
	pager := a.client.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	rows := []boardRow{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var r boardRow
			if err := json.Unmarshal(e, &r); err != nil {
				return nil, err
			}
			rows = append(rows, r)
		}
	}
	return rows, nil
}

func (a *azureTable) submit(ctx context.Context, actions []aztables.TransactionAction) error {
	_, err := a.client.SubmitTransaction(ctx, actions, nil)
	return err
}

// Tables is a Store on a single Azure table partitioned by board.
// Reads inside a transaction observe committed state only; buffered writes
// become visible when the entity group transaction commits.
type Tables struct {
	table tableAPI
}

// NewTables connects to the named table.
func NewTables(connStr, table string) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Tables{table: &azureTable{client: svc.NewClient(table)}}, nil
}

// InTx buffers the writes of fn and submits them as one entity group
// transaction.
func (s *Tables) InTx(ctx context.Context, fn func(Tx) error) error {
	tx := &tablesTx{table: s.table, pending: map[string]*pendingWrite{}}
	if err := fn(tx); err != nil {
		return err
	}
	actions, err := tx.actions()
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}
	return transactionError("submit transaction", s.table.submit(ctx, actions))
}

// Snapshot reads the active view of a board.
func (s *Tables) Snapshot(ctx context.Context, boardID string) (domain.Board, error) {
	return snapshotIn(ctx, &tablesTx{table: s.table, pending: map[string]*pendingWrite{}}, boardID)
}

type writeMode int

const (
	writeReplace writeMode = iota
	writeOrder
	writeDelete
)

type pendingWrite struct {
	mode writeMode
	row  boardRow
}

type tablesTx struct {
	table     tableAPI
	partition string
	pending   map[string]*pendingWrite
	sequence  []string
}

func (t *tablesTx) Board(ctx context.Context, id string) (domain.Board, error) {
	r, err := t.table.get(ctx, id, rowKey(kindBoard, id))
	if err != nil {
		return domain.Board{}, transactionError("read board", err)
	}
	if r == nil {
		return domain.Board{}, notFound("board", id)
	}
	return r.board(), nil
}

// lookup finds a list or task row by id across partitions.
func (t *tablesTx) lookup(ctx context.Context, kind, id string) (*boardRow, error) {
	rows, err := t.table.query(ctx, rowQuery{RowKey: rowKey(kind, id), Kind: kind})
	if err != nil {
		return nil, transactionError("read "+kind, err)
	}
	if len(rows) == 0 {
		return nil, notFound(kind, id)
	}
	return &rows[0], nil
}

func (t *tablesTx) List(ctx context.Context, id string) (domain.List, error) {
	r, err := t.lookup(ctx, kindList, id)
	if err != nil {
		return domain.List{}, err
	}
	return r.list(), nil
}

func (t *tablesTx) Task(ctx context.Context, id string) (domain.Task, error) {
	r, err := t.lookup(ctx, kindTask, id)
	if err != nil {
		return domain.Task{}, err
	}
	task, err := r.task()
	return task, transactionError("read task", err)
}

func (t *tablesTx) Lists(ctx context.Context, boardID string) ([]domain.List, error) {
	rows, err := t.table.query(ctx, rowQuery{PartitionKey: boardID, Kind: kindList})
	if err != nil {
		return nil, transactionError("read lists", err)
	}
	lists := make([]domain.List, 0, len(rows))
	for _, r := range rows {
		lists = append(lists, r.list())
	}
	sort.SliceStable(lists, func(i, j int) bool {
		if lists[i].Order != lists[j].Order {
			return lists[i].Order < lists[j].Order
		}
		return lists[i].ID < lists[j].ID
	})
	return lists, nil
}

func (t *tablesTx) Tasks(ctx context.Context, listID string) ([]domain.Task, error) {
	l, err := t.List(ctx, listID)
	if err != nil {
		return nil, err
	}
	rows, err := t.table.query(ctx, rowQuery{PartitionKey: l.BoardID, Kind: kindTask, ListID: listID})
	if err != nil {
		return nil, transactionError("read tasks", err)
	}
	tasks := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		task, err := r.task()
		if err != nil {
			return nil, transactionError("read tasks", err)
		}
		tasks = append(tasks, task)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks, nil
}

func (t *tablesTx) IsMember(ctx context.Context, boardID, userID string) (bool, error) {
	r, err := t.table.get(ctx, boardID, rowKey(kindMember, userID))
	if err != nil {
		return false, transactionError("read membership", err)
	}
	return r != nil, nil
}

// stage records a write, folding it into an earlier write of the same row.
func (t *tablesTx) stage(mode writeMode, row boardRow) error {
	if t.partition == "" {
		t.partition = row.PartitionKey
	}
	if row.PartitionKey != t.partition {
		return fmt.Errorf("%w: transaction spans boards %s and %s", domain.ErrTransaction, t.partition, row.PartitionKey)
	}
	prev, ok := t.pending[row.RowKey]
	if !ok {
		t.pending[row.RowKey] = &pendingWrite{mode: mode, row: row}
		t.sequence = append(t.sequence, row.RowKey)
		return nil
	}
	switch {
	case mode == writeOrder && prev.mode == writeReplace:
		prev.row.Order = row.Order
	case mode == writeOrder && prev.mode == writeDelete:
	default:
		prev.mode = mode
		prev.row = row
	}
	return nil
}

func (t *tablesTx) PutBoard(ctx context.Context, b domain.Board) error {
	return t.stage(writeReplace, boardToRow(b))
}

func (t *tablesTx) AddMembers(ctx context.Context, boardID string, userIDs []string) error {
	for _, uid := range userIDs {
		err := t.stage(writeReplace, boardRow{
			PartitionKey: boardID, RowKey: rowKey(kindMember, uid), Kind: kindMember, UserID: uid,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *tablesTx) PutList(ctx context.Context, l domain.List) error {
	return t.stage(writeReplace, listToRow(l))
}

func (t *tablesTx) PutTask(ctx context.Context, task domain.Task) error {
	return t.stage(writeReplace, taskToRow(task))
}

func (t *tablesTx) DeleteList(ctx context.Context, l domain.List) error {
	tasks, err := t.Tasks(ctx, l.ID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := t.DeleteTask(ctx, task); err != nil {
			return err
		}
	}
	return t.stage(writeDelete, boardRow{PartitionKey: l.BoardID, RowKey: rowKey(kindList, l.ID)})
}

func (t *tablesTx) DeleteTask(ctx context.Context, task domain.Task) error {
	return t.stage(writeDelete, boardRow{PartitionKey: task.BoardID, RowKey: rowKey(kindTask, task.ID)})
}

func (t *tablesTx) SetListOrders(ctx context.Context, boardID string, orders []ordering.Assignment) error {
	for _, a := range orders {
		if err := t.stage(writeOrder, boardRow{PartitionKey: boardID, RowKey: rowKey(kindList, a.ID), Order: a.Order}); err != nil {
			return err
		}
	}
	return nil
}

func (t *tablesTx) SetTaskOrders(ctx context.Context, boardID, listID string, orders []ordering.Assignment) error {
	for _, a := range orders {
		if err := t.stage(writeOrder, boardRow{PartitionKey: boardID, RowKey: rowKey(kindTask, a.ID), Order: a.Order}); err != nil {
			return err
		}
	}
	return nil
}

// actions converts the buffered writes into transaction actions in the order
// they were first staged.
func (t *tablesTx) actions() ([]aztables.TransactionAction, error) {
	if len(t.sequence) > maxBatchActions {
		return nil, fmt.Errorf("%w: %d writes exceed the %d action limit of one board transaction",
			domain.ErrTransaction, len(t.sequence), maxBatchActions)
	}
	etag := azcore.ETagAny
	actions := make([]aztables.TransactionAction, 0, len(t.sequence))
	for _, rk := range t.sequence {
		w := t.pending[rk]
		var (
			payload []byte
			err     error
			action  aztables.TransactionAction
		)
		switch w.mode {
		case writeReplace:
			payload, err = json.Marshal(w.row)
			action.ActionType = aztables.TransactionTypeInsertReplace
		case writeOrder:
			payload, err = json.Marshal(orderUpdate{PartitionKey: w.row.PartitionKey, RowKey: w.row.RowKey, Order: w.row.Order})
			action.ActionType = aztables.TransactionTypeUpdateMerge
			action.IfMatch = &etag
		case writeDelete:
			payload, err = json.Marshal(orderUpdate{PartitionKey: w.row.PartitionKey, RowKey: w.row.RowKey})
			action.ActionType = aztables.TransactionTypeDelete
			action.IfMatch = &etag
		}
		if err != nil {
			return nil, transactionError("encode entity", err)
		}
		action.Entity = payload
		actions = append(actions, action)
	}
	return actions, nil
}
