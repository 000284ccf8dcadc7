package gateway

// SOPTAdaptor talks to a SOPT (options) gateway process. It is presently
// mock-equivalent to MockAdaptor; see base.go for why.
type SOPTAdaptor struct {
	*baseAdaptor
}

func newSOPTAdaptor(cfg Config) *SOPTAdaptor {
	seed := cfg.Settings["canary_symbol"]
	var symbols []string
	if seed != "" {
		symbols = []string{seed}
	}
	return &SOPTAdaptor{baseAdaptor: newBaseAdaptor(cfg, "sopt", symbols)}
}
