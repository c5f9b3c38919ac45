// Command loadtest нагружает REST API cart engine: оформляет заказы и гоняет
// конкурентные правки одной версии, проверяя, что принята ровно одна.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTotal = 400
	tokenEnv     = "CARTENGINE_LOADTEST_TOKEN"
)

type loadMode string

const (
	modeCreate loadMode = "create"
	modeRevise loadMode = "revise"
)

func parseMode(value string) (loadMode, error) {
	mode := loadMode(strings.ToLower(strings.TrimSpace(value)))
	if mode != modeCreate && mode != modeRevise {
		return "", fmt.Errorf("unsupported mode %q", value)
	}
	return mode, nil
}

// options: параметры прогона. total == 0 при заданном duration снимает ограничение на число сценариев.
type options struct {
	baseURL     string
	token       string
	mode        loadMode
	total       int
	duration    time.Duration
	concurrency int
	connections int
	contenders  int
	timeout     time.Duration
	sku         string
	unitPrice   decimal.Decimal
	customerTag string
	output      string
}

func parseOptions(args []string, getenv func(string) string, stderr io.Writer) (options, error) {
	opts := options{}
	var mode, price string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.baseURL, "url", "http://localhost:8080", "cart engine HTTP API base URL")
	fs.StringVar(&opts.token, "token", getenv(tokenEnv), "admin bearer token, required in revise mode")
	fs.StringVar(&mode, "mode", string(modeCreate), "create | revise")
	fs.IntVar(&opts.total, "total", 0, "scenarios to run; defaults to 400 without -duration")
	fs.DurationVar(&opts.duration, "duration", 0, "run for this long instead of a fixed count")
	fs.IntVar(&opts.concurrency, "concurrency", 40, "scenarios in flight")
	fs.IntVar(&opts.connections, "connections", 20, "max HTTP connections to the API")
	fs.IntVar(&opts.contenders, "contenders", 4, "concurrent revisions of one order version")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&opts.sku, "sku", "SKU-LOAD", "product id of the order line")
	fs.StringVar(&price, "price", "10.00", "unit price of the order line")
	fs.StringVar(&opts.customerTag, "customer-tag", "load", "prefix of generated customer emails")
	fs.StringVar(&opts.output, "output", "", "write the JSON report to this file")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	var err error
	if opts.mode, err = parseMode(mode); err != nil {
		return options{}, err
	}
	if opts.unitPrice, err = decimal.NewFromString(strings.TrimSpace(price)); err != nil {
		return options{}, fmt.Errorf("parse price: %w", err)
	}
	if opts.duration == 0 && opts.total == 0 {
		opts.total = defaultTotal
	}
	return opts, opts.validate()
}

func (o options) validate() error {
	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}
	check(strings.TrimSpace(o.baseURL) != "", "url is required")
	check(o.duration >= 0, "duration must not be negative")
	check(o.total >= 0, "total must not be negative")
	check(o.concurrency > 0, "concurrency must be positive")
	check(o.connections > 0, "connections must be positive")
	check(o.timeout > 0, "timeout must be positive")
	check(o.unitPrice.IsPositive(), "price must be positive")
	check(strings.TrimSpace(o.sku) != "", "sku is required")
	check(strings.TrimSpace(o.customerTag) != "", "customer-tag is required")
	if o.mode == modeRevise {
		check(o.contenders >= 2, "revise mode needs at least 2 contenders")
		check(strings.TrimSpace(o.token) != "", "revise mode needs a token")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// target описывает границу прогона для сводки.
func (o options) target() string {
	switch {
	case o.duration <= 0:
		return fmt.Sprintf("count:%d", o.total)
	case o.total > 0:
		return fmt.Sprintf("duration:%s,max-total:%d", o.duration, o.total)
	default:
		return fmt.Sprintf("duration:%s", o.duration)
	}
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		}
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	result := execute(ctx, opts, newAPIClient(opts, nil))
	stop()

	printReport(os.Stdout, result, opts)
	if opts.output != "" {
		if err := writeJSONReport(opts.output, result); err != nil {
			fmt.Fprintf(os.Stderr, "loadtest: write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// execute прогоняет сценарии, пока не исчерпан total, не истёк duration или не отменён ctx.
// Начатые сценарии всегда доигрываются до конца.
func execute(ctx context.Context, opts options, client *apiClient) report {
	startedAt := time.Now()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	stats := newCollector()

	var group errgroup.Group
	group.SetLimit(opts.concurrency)
	for i := 0; opts.total == 0 || i < opts.total; i++ {
		if ctx.Err() != nil {
			break
		}
		group.Go(func() error {
			_ = runScenario(client, opts, i, runID, stats)
			return nil
		})
	}
	_ = group.Wait()

	return stats.buildReport(startedAt, time.Since(startedAt))
}
