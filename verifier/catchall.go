package verifier

import (
	"context"
	"crypto/rand"
	"math/big"
)

type Measurement string

const (
	MeasurementHigh Measurement = "high"
	MeasurementLow  Measurement = "low"
)

// CatchAllResult records whether a domain accepts arbitrary recipients.
// With MeasurementLow the state is unknown and IsCatchAll is false.
type CatchAllResult struct {
	IsCatchAll  bool        `json:"is_catch_all"`
	Measurement Measurement `json:"confidence_of_measurement"`
	TestAddress string      `json:"test_address,omitempty"`
	Outcome     Outcome     `json:"outcome,omitempty"`
	// Measured is false when no synthetic probe was run for this result.
	Measured bool `json:"measured"`
}

// NotCatchAll reports a measured negative, the only state that earns confidence.
func (c CatchAllResult) NotCatchAll() bool {
	return c.Measured && !c.IsCatchAll && c.Measurement == MeasurementHigh
}

func unmeasuredCatchAll() CatchAllResult {
	return CatchAllResult{Measurement: MeasurementLow}
}

const (
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	tokenLength   = 15
)

// CatchAllDetector probes a random mailbox that should not exist.
type CatchAllDetector struct {
	Prober Probe
	// Token generates the synthetic local part; nil uses crypto/rand.
	Token func() string
}

func (d *CatchAllDetector) Detect(ctx context.Context, hosts []MailExchangeHost, domain string) CatchAllResult {
	token := randomToken
	if d.Token != nil {
		token = d.Token
	}
	addr := EmailAddress{LocalPart: token(), Domain: domain}
	out := d.Prober.Probe(ctx, hosts, addr)

	res := CatchAllResult{TestAddress: addr.String(), Outcome: out.Outcome, Measured: true}
	switch out.Outcome {
	case OutcomeAccepted:
		res.IsCatchAll = true
		res.Measurement = MeasurementHigh
	case OutcomeRejected:
		res.Measurement = MeasurementHigh
	default:
		res.Measurement = MeasurementLow
	}
	return res
}

func randomToken() string {
	b := make([]byte, tokenLength)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = tokenAlphabet[n.Int64()]
	}
	return string(b)
}
