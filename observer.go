package x402pay

import "github.com/vitwit/x402pay/types"

// Transition is one observable state change of the payment service.
type Transition struct {
	From   types.FlowState
	To     types.FlowState
	Result *types.PaymentResult
}

// Observer receives state transitions. Observers are called synchronously,
// in no particular order, and must not block.
type Observer func(Transition)

// HookState is the snapshot the presentation layer renders from.
type HookState struct {
	Initialized bool                 `json:"isInitialized"`
	Processing  bool                 `json:"isProcessing"`
	Balance     string               `json:"balance,omitempty"`
	Err         string               `json:"error,omitempty"`
	LastPayment *types.PaymentResult `json:"lastPayment,omitempty"`
}

// Subscribe registers an observer for state transitions and returns its
// unsubscribe function.
func (s *Service) Subscribe(obs Observer) func() {
	s.mu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = obs
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// State returns a snapshot of the observable service state.
func (s *Service) State() HookState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return HookState{
		Initialized: s.binding != nil,
		Processing:  s.inFlight,
		Balance:     s.balance,
		Err:         s.lastErr,
		LastPayment: s.last,
	}
}

func (s *Service) notify(tr Transition) {
	s.mu.Lock()
	obs := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.mu.Unlock()

	for _, o := range obs {
		o(tr)
	}
}
