package netcode

const kindCounter StateKind = 200

func init() {
	RegisterKind(kindCounter, "test.counter", func() any { return new(counterState) })
}

type counterState struct {
	V   int64 `msgpack:"v"`
	Vel int64 `msgpack:"vel"`
}

// counter 每帧按 Vel 累加 V 的测试实体
type counter struct {
	id    EntityID
	owner Owner
	st    counterState
	tr    ChangeTracker

	before int
	after  int
}

func newCounter(id EntityID, owner Owner, vel int64) *counter {
	return &counter{id: id, owner: owner, st: counterState{Vel: vel}}
}

func (c *counter) encode() State {
	s, err := EncodeState(kindCounter, &c.st)
	if err != nil {
		panic(err)
	}
	return s
}

func (c *counter) ID() EntityID          { return c.id }
func (c *counter) Owner() Owner          { return c.owner }
func (c *counter) StateChanged() bool    { return c.tr.Changed(c.encode()) }
func (c *counter) BeforeReconciliation() { c.before++ }
func (c *counter) AfterReconciliation()  { c.after++ }

func (c *counter) CurrentState() State {
	s := c.encode()
	c.tr.MarkSaved(s)
	return s
}

func (c *counter) ApplyState(s State) bool {
	var ns counterState
	if err := DecodeInto(s, kindCounter, &ns); err != nil {
		return false
	}
	if ns == c.st {
		return false
	}
	c.st = ns
	return true
}

func counterUpdate(id EntityID, frame Tick, v, vel int64) EntityUpdate {
	s, err := EncodeState(kindCounter, &counterState{V: v, Vel: vel})
	if err != nil {
		panic(err)
	}
	return EntityUpdate{EntityID: id, Frame: frame, Owner: OwnerRemote, Payload: s}
}

// stepSim 推进时把所有 counter 的 V 加上 Vel
type stepSim struct {
	counters []*counter
	steps    int
	collides int
}

func (s *stepSim) AdvanceOneTick() {
	s.steps++
	for _, c := range s.counters {
		c.st.V += c.st.Vel
	}
}

func (s *stepSim) RecomputeCollisions() { s.collides++ }

func newTestEngine(counters ...*counter) (*Engine, *stepSim) {
	sim := &stepSim{counters: counters}
	e := NewEngine(NewGameState(1, DefaultConfig()), sim)
	for _, c := range counters {
		e.AddEntity(c)
	}
	e.Start()
	return e, sim
}

// stepTo 无更新地推进到指定帧
func stepTo(e *Engine, t Tick) {
	for e.State().Tick() < t {
		e.Step()
	}
}
