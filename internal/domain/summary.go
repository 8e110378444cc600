package domain

import (
	"regexp"
	"sort"
	"strings"
)

// FailureClass buckets terminal extraction failures for the run summary.
type FailureClass string

const (
	FailureTimeout FailureClass = "timeout"
	FailureRead    FailureClass = "readError"
	FailureClient  FailureClass = "clientError"
	FailureServer  FailureClass = "serverError"
	FailureOther   FailureClass = "other"
)

var timeoutRe = regexp.MustCompile(`(?i)timeout|abort|etimedout|econnaborted`)

// ClassifyFailure maps a terminal error row to a failure class.
func ClassifyFailure(statusCode int, errorMessage string) FailureClass {
	switch {
	case statusCode == 0 && timeoutRe.MatchString(errorMessage):
		return FailureTimeout
	case statusCode == 0 && strings.HasPrefix(strings.ToLower(errorMessage), "read file:"):
		return FailureRead
	case statusCode >= 400 && statusCode < 500:
		return FailureClient
	case statusCode >= 500 && statusCode < 600:
		return FailureServer
	default:
		return FailureOther
	}
}

// SlowFile is one entry of the top-slowest list in a run summary.
type SlowFile struct {
	Path      string `json:"path"`
	LatencyMs int64  `json:"latencyMs"`
}

// FailureDetail is one bounded failure row in a run summary.
type FailureDetail struct {
	Path         string `json:"path"`
	StatusCode   int    `json:"statusCode"`
	ErrorMessage string `json:"errorMessage"`
}

// RunSummary is the computed metrics blob persisted by SaveRunSummary and
// emitted on the terminal report event.
type RunSummary struct {
	RunID               string               `json:"runId"`
	TotalFiles          int                  `json:"totalFiles"`
	SuccessCount        int                  `json:"successCount"`
	FailedCount         int                  `json:"failedCount"`
	SkippedCount        int                  `json:"skippedCount"`
	DurationMs          int64                `json:"durationMs"`
	ThroughputPerSecond float64              `json:"throughputPerSecond"`
	ThroughputPerMinute float64              `json:"throughputPerMinute"`
	AvgLatencyMs        float64              `json:"avgLatency"`
	P50LatencyMs        int64                `json:"p50LatencyMs"`
	P95LatencyMs        int64                `json:"p95LatencyMs"`
	P99LatencyMs        int64                `json:"p99LatencyMs"`
	ErrorRate           float64              `json:"errorRate"`
	FailureBreakdown    map[FailureClass]int `json:"failureBreakdown"`
	TopSlowestFiles     []SlowFile           `json:"topSlowestFiles"`
	FailureCountByBrand map[string]int       `json:"failureCountByBrand"`
	FailureDetails      []FailureDetail      `json:"failureDetails"`
}

// maxFailureDetailMessage bounds persisted failure messages in the summary.
const maxFailureDetailMessage = 300

// maxSlowestFiles bounds the top-slowest list.
const maxSlowestFiles = 5

// BuildRunSummary computes a RunSummary from the terminal extraction records
// of one run. durationMs is the wall-clock duration of the run.
func BuildRunSummary(runID string, records []ExtractionRecord, durationMs int64) *RunSummary {
	s := &RunSummary{
		RunID:               runID,
		DurationMs:          durationMs,
		FailureBreakdown:    map[FailureClass]int{},
		FailureCountByBrand: map[string]int{},
		TopSlowestFiles:     []SlowFile{},
		FailureDetails:      []FailureDetail{},
	}

	var latencies []int64
	var latencySum int64
	for _, r := range records {
		s.TotalFiles++
		switch r.Status {
		case StatusDone:
			s.SuccessCount++
			latencies = append(latencies, r.LatencyMs)
			latencySum += r.LatencyMs
		case StatusSkipped:
			s.SkippedCount++
		case StatusError:
			s.FailedCount++
			s.FailureBreakdown[ClassifyFailure(r.StatusCode, r.ErrorMessage)]++
			if r.Brand != "" {
				s.FailureCountByBrand[r.Brand]++
			}
			msg := r.ErrorMessage
			if len(msg) > maxFailureDetailMessage {
				msg = msg[:maxFailureDetailMessage]
			}
			s.FailureDetails = append(s.FailureDetails, FailureDetail{
				Path:         r.RelativePath,
				StatusCode:   r.StatusCode,
				ErrorMessage: msg,
			})
		}
		if r.Status == StatusDone || r.Status == StatusError {
			s.TopSlowestFiles = append(s.TopSlowestFiles, SlowFile{Path: r.RelativePath, LatencyMs: r.LatencyMs})
		}
	}

	sort.Slice(s.TopSlowestFiles, func(i, j int) bool {
		return s.TopSlowestFiles[i].LatencyMs > s.TopSlowestFiles[j].LatencyMs
	})
	if len(s.TopSlowestFiles) > maxSlowestFiles {
		s.TopSlowestFiles = s.TopSlowestFiles[:maxSlowestFiles]
	}

	attempted := s.SuccessCount + s.FailedCount
	if attempted > 0 {
		s.ErrorRate = float64(s.FailedCount) / float64(attempted)
	}
	if len(latencies) > 0 {
		s.AvgLatencyMs = float64(latencySum) / float64(len(latencies))
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		s.P50LatencyMs = percentile(latencies, 50)
		s.P95LatencyMs = percentile(latencies, 95)
		s.P99LatencyMs = percentile(latencies, 99)
	}
	if durationMs > 0 && attempted > 0 {
		s.ThroughputPerSecond = float64(attempted) / (float64(durationMs) / 1000)
		s.ThroughputPerMinute = s.ThroughputPerSecond * 60
	}
	return s
}

// percentile returns the p-th percentile of a sorted latency slice using the
// nearest-rank method.
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
