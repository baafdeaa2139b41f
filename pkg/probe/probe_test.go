package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"boot-probe/pkg/config"
	"boot-probe/pkg/logging"
	"boot-probe/pkg/resolver"
	"boot-probe/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// syncBuffer collects log output written from probe goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec), line)
		out = append(out, rec)
	}
	return out
}

func newTestLogger() (*logging.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	logger := logging.NewWithWriter(&config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Tag:    "bootprobe",
	}, buf)
	return logger, buf
}

// fakeResolver answers from fixed tables
type fakeResolver struct {
	ips     map[string][]net.IP
	errs    map[string]error
	block   chan struct{} // when set, lookups wait for it to close
	panics  bool
	waitCtx bool // when set, lookups wait for ctx to end

	mu    sync.Mutex
	calls []string
}

func (f *fakeResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	f.mu.Lock()
	f.calls = append(f.calls, network+"/"+host)
	f.mu.Unlock()

	if f.panics {
		panic("resolver exploded")
	}
	if f.block != nil {
		<-f.block
	}
	if f.waitCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := f.errs[host]; ok {
		return nil, err
	}
	if ips, ok := f.ips[host]; ok {
		return ips, ctx.Err()
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func TestLaunch_Success(t *testing.T) {
	logger, buf := newTestLogger()
	r := &fakeResolver{ips: map[string][]net.IP{
		"example.com": {net.ParseIP("192.0.2.1"), net.ParseIP("2001:db8::1")},
	}}

	p := New(r, logger, Options{})
	p.Launch(context.Background(), "example.com")
	p.Wait()

	records := buf.records(t)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "INFO", rec["level"])
	assert.Equal(t, "Resolved example.com -> 192.0.2.1", rec["msg"])
	assert.Equal(t, "example.com", rec["host"])
	assert.Equal(t, "192.0.2.1", rec["address"])
	assert.Equal(t, "bootprobe", rec[logging.TagKey])
	assert.Equal(t, []string{"ip/example.com"}, r.calls)
}

func TestLaunch_UnknownHost(t *testing.T) {
	logger, buf := newTestLogger()
	p := New(&fakeResolver{}, logger, Options{})

	assert.NotPanics(t, func() {
		p.Launch(context.Background(), "no-such-host.invalid")
		p.Wait()
	})

	records := buf.records(t)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, "ERROR", rec["level"])
	assert.Equal(t, "DNS resolve failed", rec["msg"])
	assert.Equal(t, "no-such-host.invalid", rec["host"])
	assert.Equal(t, resolver.ReasonUnknownHost, rec["reason"])
	assert.Contains(t, rec["error"], "no such host")
}

func TestLaunch_DoesNotBlockCaller(t *testing.T) {
	logger, buf := newTestLogger()
	r := &fakeResolver{
		ips:   map[string][]net.IP{"example.com": {net.ParseIP("192.0.2.1")}},
		block: make(chan struct{}),
	}
	p := New(r, logger, Options{})

	returned := make(chan struct{})
	go func() {
		p.Launch(context.Background(), "example.com")
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Launch blocked on the lookup")
	}
	assert.Empty(t, buf.records(t), "nothing is logged while the lookup is pending")

	close(r.block)
	p.Wait()
	assert.Len(t, buf.records(t), 1)
}

func TestLaunch_IndependentProbes(t *testing.T) {
	logger, buf := newTestLogger()
	r := &fakeResolver{ips: map[string][]net.IP{
		"api.example.com": {net.ParseIP("192.0.2.10")},
	}}
	p := New(r, logger, Options{})

	p.Launch(context.Background(), "api.example.com")
	p.Launch(context.Background(), "no-such-host.invalid")
	p.Wait()

	records := buf.records(t)
	require.Len(t, records, 2)

	byHost := map[string]map[string]any{}
	for _, rec := range records {
		byHost[rec["host"].(string)] = rec
	}
	require.Contains(t, byHost, "api.example.com")
	require.Contains(t, byHost, "no-such-host.invalid")
	assert.Equal(t, "Resolved api.example.com -> 192.0.2.10", byHost["api.example.com"]["msg"])
	assert.Equal(t, "DNS resolve failed", byHost["no-such-host.invalid"]["msg"])
}

func TestLaunch_PanicIsContained(t *testing.T) {
	logger, buf := newTestLogger()
	p := New(&fakeResolver{panics: true}, logger, Options{})

	p.Launch(context.Background(), "example.com")
	p.Wait()

	records := buf.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "DNS probe panicked", records[0]["msg"])
	assert.Equal(t, "example.com", records[0]["host"])
	assert.Equal(t, "resolver exploded", records[0]["panic"])
}

func TestNew_NilLoggerUsesGlobal(t *testing.T) {
	logger, buf := newTestLogger()
	previous := logging.Global()
	logging.SetGlobal(logger)
	defer logging.SetGlobal(previous)

	p := New(&fakeResolver{panics: true}, nil, Options{})

	assert.NotPanics(t, func() {
		p.Launch(context.Background(), "example.com")
		p.Wait()
	})

	records := buf.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "DNS probe panicked", records[0]["msg"])
}

func TestLaunch_NoAddress(t *testing.T) {
	logger, buf := newTestLogger()
	r := &fakeResolver{ips: map[string][]net.IP{"empty.example.com": {}}}
	p := New(r, logger, Options{})

	p.Launch(context.Background(), "empty.example.com")
	p.Wait()

	records := buf.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, resolver.ReasonNoAddress, records[0]["reason"])
}

func TestLaunch_EmptyHost(t *testing.T) {
	logger, buf := newTestLogger()
	r := &fakeResolver{}
	p := New(r, logger, Options{})

	p.Launch(context.Background(), "")
	p.Wait()

	records := buf.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "DNS resolve failed", records[0]["msg"])
	assert.Equal(t, resolver.ReasonUnknownHost, records[0]["reason"])
	assert.Empty(t, r.calls, "empty host never reaches the resolver")
}

func TestLaunch_Timeout(t *testing.T) {
	logger, buf := newTestLogger()
	p := New(&fakeResolver{waitCtx: true}, logger, Options{Timeout: 50 * time.Millisecond})

	p.Launch(context.Background(), "slow.example.com")
	p.Wait()

	records := buf.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, resolver.ReasonTimeout, records[0]["reason"])
}

func TestLaunch_IgnoresCallerCancellation(t *testing.T) {
	logger, buf := newTestLogger()
	r := &fakeResolver{ips: map[string][]net.IP{"example.com": {net.ParseIP("192.0.2.1")}}}
	p := New(r, logger, Options{Network: "ip4"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p.Launch(ctx, "example.com")
	p.Wait()

	records := buf.records(t)
	require.Len(t, records, 1)
	assert.Equal(t, "Resolved example.com -> 192.0.2.1", records[0]["msg"])
	assert.Equal(t, []string{"ip4/example.com"}, r.calls)
}

func TestLaunch_RecordsMetricsAndSpans(t *testing.T) {
	logger, _ := newTestLogger()

	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	runs, err := meter.Int64Counter("probe.runs")
	require.NoError(t, err)
	failures, err := meter.Int64Counter("probe.failures")
	require.NoError(t, err)
	duration, err := meter.Float64Histogram("probe.duration")
	require.NoError(t, err)

	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")

	r := &fakeResolver{ips: map[string][]net.IP{"example.com": {net.ParseIP("192.0.2.1")}}}
	p := New(r, logger, Options{
		Metrics: &telemetry.Metrics{ProbeRuns: runs, ProbeFailures: failures, ProbeDuration: duration},
		Tracer:  tracer,
	})

	p.Launch(context.Background(), "example.com")
	p.Launch(context.Background(), "no-such-host.invalid")
	p.Wait()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					totals[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), totals["probe.runs"])
	assert.Equal(t, int64(1), totals["probe.failures"])

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	statuses := map[codes.Code]int{}
	for _, s := range spans {
		assert.Equal(t, "probe.resolve", s.Name())
		statuses[s.Status().Code]++
	}
	assert.Equal(t, 1, statuses[codes.Error])
}
