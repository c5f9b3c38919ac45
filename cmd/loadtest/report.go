package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

// statusTransportError означает, что ответа от сервера не было (таймаут или обрыв соединения).
const statusTransportError = 0

// scenarioCall: служебное имя серии, в которую пишутся сценарии целиком.
const scenarioCall = "scenario"

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type callReport struct {
	Calls     int64            `json:"calls"`
	Success   int64            `json:"success"`
	Failed    int64            `json:"failed"`
	ErrorRate float64          `json:"error_rate"`
	Statuses  map[string]int64 `json:"statuses"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

// revisionReport: исход гонок правок в режиме revise.
type revisionReport struct {
	Attempts  int64 `json:"attempts"`
	Applied   int64 `json:"applied"`
	Conflicts int64 `json:"conflicts"`
	// LostUpdates: гонки, в которых одну версию приняли больше одного раза.
	LostUpdates int64 `json:"lost_updates"`
}

type report struct {
	StartedAt         time.Time             `json:"started_at"`
	DurationSeconds   float64               `json:"duration_seconds"`
	TotalScenarios    int64                 `json:"total_scenarios"`
	SuccessScenarios  int64                 `json:"success_scenarios"`
	FailedScenarios   int64                 `json:"failed_scenarios"`
	ErrorRate         float64               `json:"error_rate"`
	RPS               float64               `json:"rps"`
	ScenarioLatencyMs latencySummary        `json:"scenario_latency_ms"`
	Calls             map[string]callReport `json:"calls"`
	Revisions         revisionReport        `json:"revisions"`
}

type series struct {
	ok, failed int64
	statuses   map[int]int64
	latencies  []time.Duration
}

func (s *series) report() callReport {
	statuses := make(map[string]int64, len(s.statuses))
	for code, n := range s.statuses {
		statuses[statusLabel(code)] = n
	}
	total := s.ok + s.failed
	return callReport{
		Calls:     total,
		Success:   s.ok,
		Failed:    s.failed,
		ErrorRate: ratio(s.failed, total),
		Statuses:  statuses,
		LatencyMs: summarize(s.latencies),
	}
}

// collector копит результаты вызовов из всех горутин прогона.
type collector struct {
	mu        sync.Mutex
	series    map[string]*series
	revisions revisionReport
}

func newCollector() *collector {
	return &collector{series: make(map[string]*series)}
}

// record учитывает вызов. ok не выводится из статуса, потому что 409 в гонке правок ожидаем.
func (c *collector) record(name string, latency time.Duration, status int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.series[name]
	if s == nil {
		s = &series{statuses: make(map[int]int64)}
		c.series[name] = s
	}
	if ok {
		s.ok++
	} else {
		s.failed++
	}
	s.statuses[status]++
	s.latencies = append(s.latencies, latency)
}

func (c *collector) recordRevisions(applied, conflicts int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.revisions.Applied += int64(applied)
	c.revisions.Conflicts += int64(conflicts)
	c.revisions.Attempts += int64(applied + conflicts)
	if applied > 1 {
		c.revisions.LostUpdates++
	}
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Calls:           make(map[string]callReport, len(c.series)),
		Revisions:       c.revisions,
	}
	for name, s := range c.series {
		out.Calls[name] = s.report()
	}

	scenarios := out.Calls[scenarioCall]
	out.TotalScenarios = scenarios.Calls
	out.SuccessScenarios = scenarios.Success
	out.FailedScenarios = scenarios.Failed
	out.ErrorRate = scenarios.ErrorRate
	out.ScenarioLatencyMs = scenarios.LatencyMs
	if elapsed > 0 {
		out.RPS = float64(out.TotalScenarios) / elapsed.Seconds()
	}
	return out
}

func statusLabel(status int) string {
	if status == statusTransportError {
		return "transport_error"
	}
	return strconv.Itoa(status)
}

// summarize считает перцентили с линейной интерполяцией между соседними рангами.
func summarize(latencies []time.Duration) latencySummary {
	if len(latencies) == 0 {
		return latencySummary{}
	}
	ms := make([]float64, len(latencies))
	var sum float64
	for i, d := range latencies {
		ms[i] = float64(d.Microseconds()) / 1000
		sum += ms[i]
	}
	slices.Sort(ms)

	return latencySummary{
		Min: ms[0],
		Max: ms[len(ms)-1],
		Avg: sum / float64(len(ms)),
		P50: quantile(ms, 0.50),
		P95: quantile(ms, 0.95),
		P99: quantile(ms, 0.99),
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*(pos-float64(lo))
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}

// writeJSONReport пишет отчёт в файл внутри текущего каталога.
func writeJSONReport(path string, result report) error {
	clean := filepath.Clean(path)
	switch {
	case clean == "." || clean == string(filepath.Separator):
		return errors.New("output path must point to a file")
	case clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)):
		return fmt.Errorf("output path escapes the working directory: %s", path)
	}

	body, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	// #nosec G306 -- отчёт нагрузочного прогона не содержит секретов.
	return os.WriteFile(clean, append(body, '\n'), 0o644)
}

func printReport(w io.Writer, result report, opts options) {
	fmt.Fprintf(w, "cart engine load test: mode=%s target=%s\n", opts.mode, opts.target())
	fmt.Fprintf(w, "scenarios: total=%d success=%d failed=%d error_rate=%.4f rps=%.2f duration=%.2fs\n",
		result.TotalScenarios, result.SuccessScenarios, result.FailedScenarios,
		result.ErrorRate, result.RPS, result.DurationSeconds)

	l := result.ScenarioLatencyMs
	fmt.Fprintf(w, "scenario latency ms: min=%.2f avg=%.2f p50=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		l.Min, l.Avg, l.P50, l.P95, l.P99, l.Max)

	if opts.mode == modeRevise {
		r := result.Revisions
		fmt.Fprintf(w, "revisions: attempts=%d applied=%d conflicts=%d lost_updates=%d\n",
			r.Attempts, r.Applied, r.Conflicts, r.LostUpdates)
	}

	names := make([]string, 0, len(result.Calls))
	for name := range result.Calls {
		if name != scenarioCall {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CALL\tCALLS\tSUCCESS\tFAILED\tERROR RATE\tP95 MS")
	for _, name := range names {
		c := result.Calls[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.4f\t%.2f\n", name, c.Calls, c.Success, c.Failed, c.ErrorRate, c.LatencyMs.P95)
	}
	_ = tw.Flush()
}
