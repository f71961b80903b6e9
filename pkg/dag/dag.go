package dag

import (
	"fmt"
	mapset "github.com/deckarep/golang-set"
	"sort"
	"strings"
	"time"
)

type Dag struct {
	Id          string
	Description string
	StartDate   time.Time
	Schedule    string
	Catchup     bool
	Tags        []string
	DefaultArgs DefaultArgs

	// Zero means no limit.
	MaxActiveTasks int
	// Zero means one run at a time.
	MaxActiveRuns int

	OnSuccess Callback
	OnFailure Callback

	tasks      map[string]Task
	order      []string
	upstream   map[string][]string
	downstream map[string][]string
	errors     []error
}

func New(id string) *Dag {
	return &Dag{
		Id:         id,
		tasks:      map[string]Task{},
		upstream:   map[string][]string{},
		downstream: map[string][]string{},
	}
}

// Add registers tasks.  Adding the same id twice is reported by Validate.
func (this *Dag) Add(tasks ...Task) *Dag {
	for _, t := range tasks {
		id := t.Id()
		if _, has := this.tasks[id]; has {
			this.errors = append(this.errors, fmt.Errorf("%w: %s", ErrDuplicateTask, id))
			continue
		}
		this.tasks[id] = t
		this.order = append(this.order, id)
	}
	return this
}

// SetDownstream declares from >> to for each of to.
func (this *Dag) SetDownstream(from string, to ...string) *Dag {
	for _, t := range to {
		if contains(this.downstream[from], t) {
			continue
		}
		this.downstream[from] = append(this.downstream[from], t)
		this.upstream[t] = append(this.upstream[t], from)
	}
	return this
}

// SetUpstream declares from << to, i.e. to >> from, for each of to.
func (this *Dag) SetUpstream(from string, to ...string) *Dag {
	for _, t := range to {
		this.SetDownstream(t, from)
	}
	return this
}

// Chain declares ids[0] >> ids[1] >> ... >> ids[n-1].
func (this *Dag) Chain(ids ...string) *Dag {
	for i := 1; i < len(ids); i++ {
		this.SetDownstream(ids[i-1], ids[i])
	}
	return this
}

func (this *Dag) Task(id string) (Task, bool) {
	t, has := this.tasks[id]
	return t, has
}

// TaskIds in the order they were added.
func (this *Dag) TaskIds() []string {
	return append([]string{}, this.order...)
}

func (this *Dag) Upstream(id string) []string {
	return append([]string{}, this.upstream[id]...)
}

func (this *Dag) Downstream(id string) []string {
	return append([]string{}, this.downstream[id]...)
}

func (this *Dag) HasTag(tag string) bool {
	return contains(this.Tags, tag)
}

func (this *Dag) Validate() error {
	if this.Id == "" {
		return fmt.Errorf("%w: dag id required", ErrBadConfig)
	}
	if len(this.errors) > 0 {
		return this.errors[0]
	}
	if len(this.tasks) == 0 {
		return fmt.Errorf("%w: dag %s has no tasks", ErrBadConfig, this.Id)
	}
	for from, to := range this.downstream {
		if _, has := this.tasks[from]; !has {
			return fmt.Errorf("%w: %s", ErrUnknownTask, from)
		}
		for _, t := range to {
			if _, has := this.tasks[t]; !has {
				return fmt.Errorf("%w: %s", ErrUnknownTask, t)
			}
		}
	}
	order := this.topological_order()
	if len(order) < len(this.tasks) {
		return fmt.Errorf("%w: %s", ErrCycle, strings.Join(this.find_cycle(), " >> "))
	}
	return nil
}

// TopologicalOrder lists task ids so that every task follows its upstreams.
// Ties are broken lexically.
func (this *Dag) TopologicalOrder() ([]string, error) {
	if err := this.Validate(); err != nil {
		return nil, err
	}
	return this.topological_order(), nil
}

func (this *Dag) topological_order() []string {
	indeg := map[string]int{}
	for id := range this.tasks {
		indeg[id] = len(this.upstream[id])
	}
	ready := []string{}
	for id, n := range indeg {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	out := []string{}
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		out = append(out, id)
		for _, d := range this.downstream[id] {
			indeg[d]--
			if indeg[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	return out
}

// find_cycle returns one cycle, starting and ending at the same task.
func (this *Dag) find_cycle() []string {
	done := mapset.NewSet()
	ids := append([]string{}, this.order...)
	sort.Strings(ids)

	var visit func(id string, stack []string) []string
	visit = func(id string, stack []string) []string {
		for i, s := range stack {
			if s == id {
				return append(append([]string{}, stack[i:]...), id)
			}
		}
		if done.Contains(id) {
			return nil
		}
		stack = append(stack, id)
		next := append([]string{}, this.downstream[id]...)
		sort.Strings(next)
		for _, d := range next {
			if cycle := visit(d, stack); cycle != nil {
				return cycle
			}
		}
		done.Add(id)
		return nil
	}
	for _, id := range ids {
		if cycle := visit(id, nil); cycle != nil {
			return cycle
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, l := range list {
		if l == s {
			return true
		}
	}
	return false
}
