package gateway

// CTPAdaptor talks to a CTP (futures) gateway process. It is presently
// mock-equivalent to MockAdaptor; see base.go for why.
type CTPAdaptor struct {
	*baseAdaptor
}

func newCTPAdaptor(cfg Config) *CTPAdaptor {
	seed := cfg.Settings["canary_symbol"]
	var symbols []string
	if seed != "" {
		symbols = []string{seed}
	}
	return &CTPAdaptor{baseAdaptor: newBaseAdaptor(cfg, "ctp", symbols)}
}
