package matrix

import (
	"fmt"
	"time"
)

// Row statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusUnknown = "unknown"
)

// Row is one consumer version × provider version combination. A nil
// Success means the pact exists but this provider version has not verified
// it.
type Row struct {
	Consumer             string     `json:"consumer" yaml:"consumer"`
	ConsumerVersion      string     `json:"consumerVersion" yaml:"consumerVersion"`
	ConsumerVersionOrder int        `json:"consumerVersionOrder" yaml:"consumerVersionOrder"`
	ConsumerTags         []string   `json:"consumerTags" yaml:"consumerTags"`
	Provider             string     `json:"provider" yaml:"provider"`
	ProviderVersion      string     `json:"providerVersion,omitempty" yaml:"providerVersion,omitempty"`
	ProviderVersionOrder int        `json:"providerVersionOrder,omitempty" yaml:"providerVersionOrder,omitempty"`
	ProviderTags         []string   `json:"providerTags" yaml:"providerTags"`
	PactRevision         int        `json:"pactRevision" yaml:"pactRevision"`
	PactSHA              string     `json:"pactSha" yaml:"pactSha"`
	VerificationNumber   int64      `json:"verificationNumber,omitempty" yaml:"verificationNumber,omitempty"`
	VerifiedAt           *time.Time `json:"verifiedAt,omitempty" yaml:"verifiedAt,omitempty"`
	Success              *bool      `json:"success" yaml:"success"`
	Status               string     `json:"status" yaml:"status"`
}

// StatusOf maps a verification outcome to a row status.
func StatusOf(success *bool) string {
	switch {
	case success == nil:
		return StatusUnknown
	case *success:
		return StatusSuccess
	default:
		return StatusFailed
	}
}

// Notice reports a selector that matched nothing. It never fails the query.
type Notice struct {
	Selector string `json:"selector" yaml:"selector"`
	Message  string `json:"message" yaml:"message"`
}

// Summary aggregates the rows of a matrix into a deployability verdict.
// Deployable is nil when the answer is not known yet.
type Summary struct {
	Deployable *bool  `json:"deployable" yaml:"deployable"`
	Reason     string `json:"reason" yaml:"reason"`
	Success    int    `json:"success" yaml:"success"`
	Failed     int    `json:"failed" yaml:"failed"`
	Unknown    int    `json:"unknown" yaml:"unknown"`
}

// Summarize computes the summary of rows. The matrix is deployable when
// there is at least one row and every row succeeded, and not deployable as
// soon as any row failed.
func Summarize(rows []Row) Summary {
	var s Summary
	for _, r := range rows {
		switch StatusOf(r.Success) {
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		default:
			s.Unknown++
		}
	}

	switch {
	case s.Failed > 0:
		s.Deployable = boolPtr(false)
		s.Reason = fmt.Sprintf("%d verification(s) failed", s.Failed)
	case s.Unknown > 0:
		s.Reason = fmt.Sprintf("%d pact(s) missing a verification result", s.Unknown)
	case s.Success == 0:
		s.Reason = "no matching pacts or verifications"
	default:
		s.Deployable = boolPtr(true)
		s.Reason = "all required verification results are published and successful"
	}
	return s
}

func boolPtr(b bool) *bool { return &b }
