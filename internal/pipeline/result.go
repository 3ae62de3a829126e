package pipeline

import (
	"time"

	"bundlegate/internal/bundle"
	"bundlegate/internal/decision"
	"bundlegate/internal/fees"
	"bundlegate/internal/institutional"
	"bundlegate/internal/oracle"
	"bundlegate/internal/policy"
)

// Decision is the single outcome of one evaluation.
type Decision struct {
	Code        decision.Code   `json:"code"`
	Reason      decision.Reason `json:"reason,omitempty"`
	Detail      string          `json:"detail,omitempty"`
	Tier        policy.Tier     `json:"tier"`
	RequiredFee uint64          `json:"required_fee"`
	Offered     uint64          `json:"offered"`
	Fees        fees.Breakdown  `json:"fees"`
	Advice      Advice          `json:"advice"`
	Latency     time.Duration   `json:"latency"`
}

// Admitted reports whether the bundle may be forwarded to the block producer.
func (d Decision) Admitted() bool { return d.Code.OK() }

// Advice collects the non-binding output of every stage that ran. Nothing
// here is applied to the bundle.
type Advice struct {
	Analysis      *bundle.Analysis            `json:"analysis,omitempty"`
	Value         *fees.Value                 `json:"value,omitempty"`
	Oracle        *oracle.Admission           `json:"oracle,omitempty"`
	Sequencing    *institutional.Sequencing   `json:"sequencing,omitempty"`
	Opportunities []institutional.Opportunity `json:"opportunities,omitempty"`
}

// TierQuote is the required fee at one tier.
type TierQuote struct {
	Tier    policy.Tier    `json:"tier"`
	Enabled bool           `json:"enabled"`
	Fees    fees.Breakdown `json:"fees"`
}
