package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/blnkfinance/relay/database"
	"github.com/blnkfinance/relay/internal/apierror"
	"github.com/blnkfinance/relay/model"
)

// memStore is an in-memory IDataSource with the same conditional update semantics as
// the Postgres datasource.
type memStore struct {
	mu          sync.Mutex
	submissions map[string]*model.SubmissionEnvelope
	txns        map[string]*model.Transaction
	ledger      map[string]string
	forwards    map[string]*model.ForwardRecord
	delivered   map[string]bool
	breakers    map[string]*model.CircuitBreakerState

	// failures makes the named method return the error.
	failures map[string]error
	// beforeCreate runs inside CreateSubmission before anything is checked.
	beforeCreate func()
	creates      int
}

var _ database.IDataSource = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		submissions: make(map[string]*model.SubmissionEnvelope),
		txns:        make(map[string]*model.Transaction),
		ledger:      make(map[string]string),
		forwards:    make(map[string]*model.ForwardRecord),
		delivered:   make(map[string]bool),
		breakers:    make(map[string]*model.CircuitBreakerState),
		failures:    make(map[string]error),
	}
}

func submissionKey(uuid, terminal string) string { return uuid + "|" + terminal }

func forwardKey(txnID, target string) string { return txnID + "|" + target }

func uniqueViolation(msg string) error {
	return apierror.NewAPIError(apierror.ErrConflict, msg, &pq.Error{Code: "23505", Message: msg})
}

func notFound(what string) error {
	return apierror.NewAPIError(apierror.ErrNotFound, what+" not found", nil)
}

func (m *memStore) fail(method string) error {
	return m.failures[method]
}

func copyTxn(t *model.Transaction) *model.Transaction {
	c := *t
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

func copyRecord(r *model.ForwardRecord) *model.ForwardRecord {
	c := *r
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

func (m *memStore) Ping(context.Context) error {
	return m.fail("Ping")
}

func (m *memStore) GetSubmission(_ context.Context, submissionUUID, terminalID string) (*model.SubmissionEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetSubmission"); err != nil {
		return nil, err
	}
	env, ok := m.submissions[submissionKey(submissionUUID, terminalID)]
	if !ok {
		return nil, notFound("submission")
	}
	c := *env
	if env.Result != nil {
		r := *env.Result
		c.Result = &r
	}
	return &c, nil
}

func (m *memStore) CreateSubmission(_ context.Context, envelope *model.SubmissionEnvelope, txns []*model.Transaction) error {
	if m.beforeCreate != nil {
		hook := m.beforeCreate
		m.beforeCreate = nil
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CreateSubmission"); err != nil {
		return err
	}
	m.creates++

	key := submissionKey(envelope.SubmissionUUID, envelope.TerminalID)
	if _, ok := m.submissions[key]; ok {
		return uniqueViolation("duplicate submission")
	}
	for _, t := range txns {
		if _, ok := m.ledger[t.TransactionID]; ok {
			return uniqueViolation("duplicate transaction id")
		}
	}

	env := *envelope
	if envelope.Result != nil {
		r := *envelope.Result
		env.Result = &r
	}
	m.submissions[key] = &env
	for _, t := range txns {
		m.ledger[t.TransactionID] = t.TransactionChecksum
		m.txns[t.TransactionID] = copyTxn(t)
	}
	return nil
}

func (m *memStore) MarkSubmissionProcessed(_ context.Context, submissionUUID, terminalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.submissions[submissionKey(submissionUUID, terminalID)]
	if !ok || env.Status != model.SubmissionReceived {
		return false, nil
	}
	for _, t := range m.txns {
		if t.SubmissionUUID == submissionUUID && t.TerminalID == terminalID && !t.IsTerminal() {
			return false, nil
		}
	}
	env.Status = model.SubmissionProcessed
	return true, nil
}

func (m *memStore) GetTransaction(_ context.Context, id string) (*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetTransaction"); err != nil {
		return nil, err
	}
	t, ok := m.txns[id]
	if !ok {
		return nil, notFound("transaction")
	}
	return copyTxn(t), nil
}

func (m *memStore) LookupTransactionChecksums(_ context.Context, ids []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("LookupTransactionChecksums"); err != nil {
		return nil, err
	}
	found := make(map[string]string)
	for _, id := range ids {
		if sum, ok := m.ledger[id]; ok {
			found[id] = sum
		}
	}
	return found, nil
}

func (m *memStore) TransitionValidation(_ context.Context, id string, from, to model.ValidationStatus, lastError string) (bool, error) {
	if err := model.CheckValidationTransition(from, to); err != nil {
		return false, apierror.NewAPIError(apierror.ErrConflict, err.Error(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok || t.ValidationStatus != from || t.JobStatus != model.JobUnset {
		return false, nil
	}
	t.ValidationStatus = to
	if lastError != "" {
		t.LastError = lastError
	}
	return true, nil
}

func (m *memStore) TransitionJob(_ context.Context, id string, change database.JobChange) (bool, error) {
	if err := model.CheckJobTransition(change.From, change.To); err != nil {
		return false, apierror.NewAPIError(apierror.ErrConflict, err.Error(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("TransitionJob"); err != nil {
		return false, err
	}
	t, ok := m.txns[id]
	if !ok || t.JobStatus != change.From {
		return false, nil
	}
	if change.IncrementAttempts && change.RequireAttemptsLeft && t.JobAttempts+1 >= change.MaxAttempts {
		return false, nil
	}
	t.JobStatus = change.To
	switch {
	case change.IncrementAttempts:
		t.JobAttempts = min(t.JobAttempts+1, change.MaxAttempts)
	case change.Attempts != nil:
		t.JobAttempts = *change.Attempts
	}
	if change.LastError != nil {
		t.LastError = *change.LastError
	}
	if change.CompletedAt != nil {
		v := *change.CompletedAt
		t.CompletedAt = &v
	}
	return true, nil
}

func (m *memStore) IncrementRequeueAttempt(_ context.Context, id string, maxAttempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok || t.JobStatus != model.JobQueued || t.JobAttempts >= maxAttempts {
		return false, nil
	}
	t.JobAttempts++
	return true, nil
}

func (m *memStore) sortedTxns(match func(t *model.Transaction) bool, limit int) []*model.Transaction {
	var out []*model.Transaction
	for _, t := range m.txns {
		if match(t) {
			out = append(out, copyTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memStore) GetRequeueCandidates(_ context.Context, newerThan, olderThan time.Time, limit int) ([]*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetRequeueCandidates"); err != nil {
		return nil, err
	}
	return m.sortedTxns(func(t *model.Transaction) bool {
		return t.JobStatus == model.JobQueued && t.CreatedAt.After(newerThan) && !t.CreatedAt.After(olderThan)
	}, limit), nil
}

func (m *memStore) GetTimedOutTransactions(_ context.Context, cutoff time.Time, limit int) ([]*model.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedTxns(func(t *model.Transaction) bool {
		active := t.JobStatus == model.JobUnset || t.JobStatus == model.JobQueued || t.JobStatus == model.JobProcessing
		return !t.CreatedAt.After(cutoff) && t.ValidationStatus != model.ValidationInvalid && active
	}, limit), nil
}

func (m *memStore) GetForwardCandidates(_ context.Context, target string, now time.Time, limit int) ([]*model.ForwardCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetForwardCandidates"); err != nil {
		return nil, err
	}
	txns := m.sortedTxns(func(t *model.Transaction) bool {
		if t.ValidationStatus != model.ValidationValid || t.JobStatus != model.JobCompleted {
			return false
		}
		key := forwardKey(t.TransactionID, target)
		if m.delivered[key] {
			return false
		}
		rec, ok := m.forwards[key]
		return !ok || (rec.Status == model.ForwardPending && !rec.NextAttemptAt.After(now))
	}, limit)

	out := make([]*model.ForwardCandidate, 0, len(txns))
	for _, t := range txns {
		c := &model.ForwardCandidate{Transaction: t}
		if rec, ok := m.forwards[forwardKey(t.TransactionID, target)]; ok {
			c.Record = copyRecord(rec)
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) countTxns(match func(t *model.Transaction) bool) int64 {
	var n int64
	for _, t := range m.txns {
		if match(t) {
			n++
		}
	}
	return n
}

func (m *memStore) deleteTxns(match func(t *model.Transaction) bool) int64 {
	var n int64
	for id, t := range m.txns {
		if match(t) {
			delete(m.txns, id)
			n++
		}
	}
	return n
}

func pendingBefore(cutoff time.Time) func(t *model.Transaction) bool {
	return func(t *model.Transaction) bool {
		return t.ValidationStatus == model.ValidationPending && t.CreatedAt.Before(cutoff)
	}
}

func failedBefore(cutoff time.Time) func(t *model.Transaction) bool {
	return func(t *model.Transaction) bool {
		at := t.CreatedAt
		if t.CompletedAt != nil {
			at = *t.CompletedAt
		}
		return (t.JobStatus == model.JobFailed || t.ValidationStatus == model.ValidationInvalid) && at.Before(cutoff)
	}
}

func (m *memStore) CountPendingTransactionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CountPendingTransactionsBefore"); err != nil {
		return 0, err
	}
	return m.countTxns(pendingBefore(cutoff)), nil
}

func (m *memStore) DeletePendingTransactionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteTxns(pendingBefore(cutoff)), nil
}

func (m *memStore) CountFailedTransactionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("CountFailedTransactionsBefore"); err != nil {
		return 0, err
	}
	return m.countTxns(failedBefore(cutoff)), nil
}

func (m *memStore) DeleteFailedTransactionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteTxns(failedBefore(cutoff)), nil
}

func (m *memStore) GetForwardRecord(_ context.Context, transactionID, target string) (*model.ForwardRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.forwards[forwardKey(transactionID, target)]
	if !ok {
		return nil, notFound("forward record")
	}
	return copyRecord(rec), nil
}

func (m *memStore) UpsertForwardRecord(_ context.Context, record *model.ForwardRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpsertForwardRecord"); err != nil {
		return err
	}
	key := forwardKey(record.TransactionID, record.Target)
	if record.Status == model.ForwardCompleted {
		m.delivered[key] = true
	}
	if existing, ok := m.forwards[key]; ok && existing.Status == model.ForwardCompleted {
		return nil
	}
	m.forwards[key] = copyRecord(record)
	return nil
}

func (m *memStore) ResetForwardRecord(_ context.Context, transactionID, target string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.forwards[forwardKey(transactionID, target)]
	if !ok || rec.Status != model.ForwardFailed {
		return false, nil
	}
	rec.Status = model.ForwardPending
	rec.Attempts = 0
	rec.NextAttemptAt = now
	rec.LastError = ""
	rec.UpdatedAt = now
	return true, nil
}

func (m *memStore) countRecords(match func(r *model.ForwardRecord) bool) int64 {
	var n int64
	for _, r := range m.forwards {
		if match(r) {
			n++
		}
	}
	return n
}

func (m *memStore) deleteRecords(match func(r *model.ForwardRecord) bool) int64 {
	var n int64
	for key, r := range m.forwards {
		if match(r) {
			delete(m.forwards, key)
			n++
		}
	}
	return n
}

func completedRecordBefore(cutoff time.Time) func(r *model.ForwardRecord) bool {
	return func(r *model.ForwardRecord) bool {
		return r.Status == model.ForwardCompleted && r.CompletedAt != nil && r.CompletedAt.Before(cutoff)
	}
}

func exhaustedRecordBefore(cutoff time.Time) func(r *model.ForwardRecord) bool {
	return func(r *model.ForwardRecord) bool {
		return r.Status == model.ForwardFailed && r.Exhausted() && r.UpdatedAt.Before(cutoff)
	}
}

func (m *memStore) CountExhaustedForwardRecords(_ context.Context, target string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countRecords(func(r *model.ForwardRecord) bool {
		return r.Target == target && r.Status == model.ForwardFailed && r.Exhausted()
	}), nil
}

func (m *memStore) CountCompletedForwardRecordsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countRecords(completedRecordBefore(cutoff)), nil
}

func (m *memStore) DeleteCompletedForwardRecordsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteRecords(completedRecordBefore(cutoff)), nil
}

func (m *memStore) CountExhaustedForwardRecordsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countRecords(exhaustedRecordBefore(cutoff)), nil
}

func (m *memStore) DeleteExhaustedForwardRecordsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteRecords(exhaustedRecordBefore(cutoff)), nil
}

func (m *memStore) GetBreaker(_ context.Context, serviceName string) (*model.CircuitBreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("GetBreaker"); err != nil {
		return nil, err
	}
	s, ok := m.breakers[serviceName]
	if !ok {
		return nil, notFound("circuit breaker")
	}
	return s.Clone(), nil
}

func (m *memStore) CreateBreaker(_ context.Context, state *model.CircuitBreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.breakers[state.ServiceName]; !ok {
		m.breakers[state.ServiceName] = state.Clone()
	}
	return nil
}

func (m *memStore) SwapBreaker(_ context.Context, next *model.CircuitBreakerState, expectedVersion int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.breakers[next.ServiceName]
	if !ok || current.Version != expectedVersion {
		return false, nil
	}
	next.Version = expectedVersion + 1
	m.breakers[next.ServiceName] = next.Clone()
	return true, nil
}

// seed stores a transaction directly, bypassing admission.
func (m *memStore) seed(t *model.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txns[t.TransactionID] = copyTxn(t)
	m.ledger[t.TransactionID] = t.TransactionChecksum
}

func (m *memStore) txn(id string) *model.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[id]
	if !ok {
		return nil
	}
	return copyTxn(t)
}

func (m *memStore) record(txnID, target string) *model.ForwardRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.forwards[forwardKey(txnID, target)]
	if !ok {
		return nil
	}
	return copyRecord(r)
}

func (m *memStore) setRecord(r *model.ForwardRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := forwardKey(r.TransactionID, r.Target)
	m.forwards[key] = copyRecord(r)
	if r.Status == model.ForwardCompleted {
		m.delivered[key] = true
	}
}

func (m *memStore) setBreaker(s *model.CircuitBreakerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers[s.ServiceName] = s.Clone()
}

func (m *memStore) breaker(service string) *model.CircuitBreakerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.breakers[service]
	if !ok {
		return nil
	}
	return s.Clone()
}

func (m *memStore) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("memStore{submissions=%d transactions=%d ledger=%d forwards=%d}", len(m.submissions), len(m.txns), len(m.ledger), len(m.forwards))
}
