package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/flowline/pkg/api"
)

type executionStepKey struct {
	executionID string
	stepID      string
}

// InMemoryStore is a simple, goroutine-safe implementation of Store backed
// by maps. Values are copied on the way in and out so callers never share
// memory with the store.
type InMemoryStore struct {
	mu             sync.RWMutex
	flows          map[string]api.Flow
	steps          map[string]api.Step
	executions     map[string]api.Execution
	executionSteps map[executionStepKey]api.ExecutionStep
	seq            map[executionStepKey]int64
	nextSeq        int64
	now            func() time.Time
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:          make(map[string]api.Flow),
		steps:          make(map[string]api.Step),
		executions:     make(map[string]api.Execution),
		executionSteps: make(map[executionStepKey]api.ExecutionStep),
		seq:            make(map[executionStepKey]int64),
		now:            time.Now,
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveFlow(ctx context.Context, flow *api.Flow) error {
	if err := validateFlow(flow); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneFlow(*flow)
	if old, ok := s.flows[flow.ID]; ok {
		for _, st := range old.Steps {
			delete(s.steps, st.ID)
		}
		stored.TestExecutionID = old.TestExecutionID
	}
	stored.SortSteps()
	for _, st := range stored.Steps {
		s.steps[st.ID] = cloneStep(st)
	}
	s.flows[flow.ID] = stored
	return nil
}

func (s *InMemoryStore) GetFlow(ctx context.Context, id string) (*api.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	out := cloneFlow(f)
	return &out, nil
}

func (s *InMemoryStore) GetStep(ctx context.Context, id string) (*api.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.steps[id]
	if !ok {
		return nil, ErrStepNotFound
	}
	out := cloneStep(st)
	return &out, nil
}

func (s *InMemoryStore) SetTestExecution(ctx context.Context, flowID, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flows[flowID]
	if !ok {
		return ErrFlowNotFound
	}
	f.TestExecutionID = executionID
	s.flows[flowID] = f
	return nil
}

func (s *InMemoryStore) CreateExecution(ctx context.Context, exec *api.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if _, exists := s.executions[exec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrExecutionExists, exec.ID)
	}
	if exec.Status == "" {
		exec.Status = api.ExecutionPending
	}
	now := s.now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now
	s.executions[exec.ID] = *exec
	return nil
}

func (s *InMemoryStore) GetExecution(ctx context.Context, id string) (*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return &e, nil
}

func (s *InMemoryStore) TransitionExecution(ctx context.Context, id string, to api.ExecutionStatus) error {
	if !to.Terminal() {
		return fmt.Errorf("cannot transition execution to %q", to)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return ErrExecutionNotFound
	}
	if e.Status != api.ExecutionPending {
		return fmt.Errorf("%w: %s is %s", ErrStatusConflict, id, e.Status)
	}
	e.Status = to
	e.UpdatedAt = s.now().UTC()
	s.executions[id] = e
	return nil
}

func (s *InMemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*api.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Execution
	for _, e := range s.executions {
		if filter.FlowID != "" && e.FlowID != filter.FlowID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.TestRun != nil && e.TestRun != *filter.TestRun {
			continue
		}
		copied := e
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) UpsertExecutionStep(ctx context.Context, es *api.ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := executionStepKey{executionID: es.ExecutionID, stepID: es.StepID}
	now := s.now().UTC()

	if existing, ok := s.executionSteps[key]; ok {
		es.ID = existing.ID
		es.CreatedAt = existing.CreatedAt
	} else {
		if es.ID == "" {
			es.ID = uuid.NewString()
		}
		es.CreatedAt = now
		s.nextSeq++
		s.seq[key] = s.nextSeq
	}
	es.UpdatedAt = now
	s.executionSteps[key] = cloneExecutionStep(*es)
	return nil
}

func (s *InMemoryStore) GetExecutionStep(ctx context.Context, executionID, stepID string) (*api.ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es, ok := s.executionSteps[executionStepKey{executionID: executionID, stepID: stepID}]
	if !ok {
		return nil, ErrExecutionStepNotFound
	}
	out := cloneExecutionStep(es)
	return &out, nil
}

func (s *InMemoryStore) ListExecutionSteps(ctx context.Context, executionID string) ([]*api.ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type seqStep struct {
		seq  int64
		step api.ExecutionStep
	}
	var found []seqStep
	for key, es := range s.executionSteps {
		if key.executionID != executionID {
			continue
		}
		found = append(found, seqStep{seq: s.seq[key], step: cloneExecutionStep(es)})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })

	result := make([]*api.ExecutionStep, 0, len(found))
	for i := range found {
		result = append(result, &found[i].step)
	}
	return result, nil
}

func (s *InMemoryStore) RebindExecutionSteps(ctx context.Context, fromExecutionID, toExecutionID string, exceptStepIDs ...string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	except := make(map[string]struct{}, len(exceptStepIDs))
	for _, id := range exceptStepIDs {
		except[id] = struct{}{}
	}

	moved := 0
	for key, es := range s.executionSteps {
		if key.executionID != fromExecutionID {
			continue
		}
		if _, skip := except[key.stepID]; skip {
			continue
		}
		newKey := executionStepKey{executionID: toExecutionID, stepID: key.stepID}
		if _, taken := s.executionSteps[newKey]; taken {
			continue
		}
		es.ExecutionID = toExecutionID
		s.executionSteps[newKey] = es
		s.seq[newKey] = s.seq[key]
		delete(s.executionSteps, key)
		delete(s.seq, key)
		moved++
	}
	return moved, nil
}

func cloneFlow(f api.Flow) api.Flow {
	out := f
	out.Steps = make([]api.Step, len(f.Steps))
	for i, st := range f.Steps {
		out.Steps[i] = cloneStep(st)
	}
	return out
}

func cloneStep(st api.Step) api.Step {
	out := st
	if st.Parameters != nil {
		out.Parameters = make(map[string]any, len(st.Parameters))
		for k, v := range st.Parameters {
			out.Parameters[k] = v
		}
	}
	if st.BranchDepth != nil {
		out.BranchDepth = api.IntPtr(*st.BranchDepth)
	}
	if st.SkipTargetStepID != nil {
		out.SkipTargetStepID = api.StringPtr(*st.SkipTargetStepID)
	}
	return out
}

func cloneExecutionStep(es api.ExecutionStep) api.ExecutionStep {
	out := es
	if es.Output != nil {
		out.Output = append([]byte(nil), es.Output...)
	}
	if es.OutputMetadata != nil {
		out.OutputMetadata = make(map[string]any, len(es.OutputMetadata))
		for k, v := range es.OutputMetadata {
			out.OutputMetadata[k] = v
		}
	}
	if es.ErrorDetails != nil {
		d := *es.ErrorDetails
		out.ErrorDetails = &d
	}
	return out
}
