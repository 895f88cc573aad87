// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package qemu

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	microStr = "2"
	minorStr = "2"
	majorStr = "7"
	micro    = 2
	minor    = 2
	major    = 7
	cap1     = "one"
	cap2     = "two"
	qmpHello = `{ "QMP": { "version": { "qemu": { "micro": ` + microStr + `, "minor": ` + minorStr + `, "major": ` + majorStr + ` }, "package": ""}, "capabilities": ["` + cap1 + `","` + cap2 + `"]}}` + "\n"
)

type qmpTestLogger struct{}

func (l qmpTestLogger) V(level int32) bool {
	return true
}

func (l qmpTestLogger) Infof(format string, v ...interface{}) {
	log.Printf(format, v...)
}

func (l qmpTestLogger) Warningf(format string, v ...interface{}) {
	l.Infof(format, v...)
}

func (l qmpTestLogger) Errorf(format string, v ...interface{}) {
	l.Infof(format, v...)
}

type qmpTestCommand struct {
	name string
	args map[string]interface{}
}

type qmpTestEvent struct {
	name      string
	data      map[string]interface{}
	timestamp map[string]interface{}
	after     time.Duration
}

type qmpTestResult struct {
	result string
	data   interface{}
}

// qmpTestCommandBuffer is a scripted QMP peer. Every command written to it
// is checked against the expected sequence and answered with the matching
// canned result.
type qmpTestCommandBuffer struct {
	newDataCh  chan []byte
	t          *testing.T
	buf        *bytes.Buffer
	cmds       []qmpTestCommand
	events     []qmpTestEvent
	results    []qmpTestResult
	gotArgs    []map[string]interface{}
	currentCmd int
	mu         sync.Mutex
	closeOnce  sync.Once
}

func newQMPTestCommandBuffer(t *testing.T) *qmpTestCommandBuffer {
	b := &qmpTestCommandBuffer{
		newDataCh: make(chan []byte, 1),
		t:         t,
		buf:       bytes.NewBuffer([]byte{}),
	}
	b.newDataCh <- []byte(qmpHello)
	return b
}

func (b *qmpTestCommandBuffer) startEventLoop(wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, ev := range b.events {
			time.Sleep(ev.after)
			eventMap := map[string]interface{}{
				"event": ev.name,
			}

			if ev.data != nil {
				eventMap["data"] = ev.data
			}

			if ev.timestamp != nil {
				eventMap["timestamp"] = ev.timestamp
			}

			encodedEvent, err := json.Marshal(&eventMap)
			if err != nil {
				b.t.Errorf("Unable to encode event: %v", err)
			}
			b.newDataCh <- append(encodedEvent, '\n')
		}
	}()
}

func (b *qmpTestCommandBuffer) AddCommand(name string, args map[string]interface{},
	result string, data interface{}) {
	b.cmds = append(b.cmds, qmpTestCommand{name, args})
	if data == nil {
		data = map[string]interface{}{}
	}
	b.results = append(b.results, qmpTestResult{result, data})
}

func (b *qmpTestCommandBuffer) AddEvent(name string, after time.Duration,
	data map[string]interface{}, timestamp map[string]interface{}) {
	b.events = append(b.events, qmpTestEvent{
		name:      name,
		data:      data,
		timestamp: timestamp,
		after:     after,
	})
}

func (b *qmpTestCommandBuffer) Close() error {
	b.closeOnce.Do(func() { close(b.newDataCh) })
	return nil
}

func (b *qmpTestCommandBuffer) Read(p []byte) (n int, err error) {
	if b.buf.Len() == 0 {
		data, ok := <-b.newDataCh
		if !ok {
			return 0, io.EOF
		}
		b.buf.Write(data)
	}
	return b.buf.Read(p)
}

func (b *qmpTestCommandBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	currentCmd := b.currentCmd
	b.currentCmd++
	b.mu.Unlock()

	if currentCmd >= len(b.cmds) {
		b.t.Errorf("Unexpected command %s", string(p))
		return 0, io.ErrClosedPipe
	}

	var cmdJSON struct {
		Execute   string                 `json:"execute"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(p, &cmdJSON); err != nil {
		b.t.Errorf("Unable to decode command: %v", err)
		return 0, err
	}

	b.mu.Lock()
	b.gotArgs = append(b.gotArgs, cmdJSON.Arguments)
	b.mu.Unlock()

	result := b.results[currentCmd].result
	if cmdJSON.Execute != b.cmds[currentCmd].name {
		b.t.Errorf("Unexpected command. Expected %s found %s",
			b.cmds[currentCmd].name, cmdJSON.Execute)
		result = "error"
	}

	encodedRes, err := json.Marshal(map[string]interface{}{result: b.results[currentCmd].data})
	if err != nil {
		b.t.Errorf("Unable to encode result: %v", err)
	}
	b.newDataCh <- append(encodedRes, '\n')
	return len(p), nil
}

func (b *qmpTestCommandBuffer) args(i int) map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i >= len(b.gotArgs) {
		return nil
	}
	return b.gotArgs[i]
}

func startTestQMP(t *testing.T, buf *qmpTestCommandBuffer, cfg QMPConfig) (*QMP, chan struct{}) {
	if cfg.Logger == nil {
		cfg.Logger = qmpTestLogger{}
	}
	disconnectedCh := make(chan struct{})
	q, version, err := qmpStartConn(context.Background(), buf, cfg, disconnectedCh)
	require.NoError(t, err)
	checkVersion(t, version)
	return q, disconnectedCh
}

func checkVersion(t *testing.T, version *QMPVersion) {
	require.NotNil(t, version)
	assert.EqualValues(t, major, version.Major)
	assert.EqualValues(t, minor, version.Minor)
	assert.EqualValues(t, micro, version.Patch)
	assert.Equal(t, []string{cap1, cap2}, version.Capabilities)
}

// Checks that a QMP Loop can be started and shutdown.
func TestQMPStartStopLoop(t *testing.T) {
	buf := newQMPTestCommandBuffer(t)
	q, disconnectedCh := startTestQMP(t, buf, QMPConfig{})
	assert.Equal(t, "7.2.2", q.Version().String())
	q.Shutdown()
	<-disconnectedCh
}

func TestQMPStartBadGreeting(t *testing.T) {
	buf := newQMPTestCommandBuffer(t)
	<-buf.newDataCh
	buf.newDataCh <- []byte("{\"return\": {}}\n")

	disconnectedCh := make(chan struct{})
	_, _, err := qmpStartConn(context.Background(), buf, QMPConfig{}, disconnectedCh)
	assert.Error(t, err)
	<-disconnectedCh
}

func TestQMPCapabilitiesAndCont(t *testing.T) {
	assert := assert.New(t)

	buf := newQMPTestCommandBuffer(t)
	buf.AddCommand("qmp_capabilities", nil, "return", nil)
	buf.AddCommand("cont", nil, "return", nil)
	buf.AddCommand("quit", nil, "return", nil)
	q, disconnectedCh := startTestQMP(t, buf, QMPConfig{})

	ctx := context.Background()
	assert.NoError(q.ExecuteQMPCapabilities(ctx))
	assert.NoError(q.ExecuteCont(ctx))
	assert.NoError(q.ExecuteQuit(ctx))

	q.Shutdown()
	<-disconnectedCh
}

func TestQMPCommandError(t *testing.T) {
	assert := assert.New(t)

	buf := newQMPTestCommandBuffer(t)
	buf.AddCommand("cont", nil, "error", map[string]interface{}{
		"class": "GenericError",
		"desc":  "guest is not paused",
	})
	q, disconnectedCh := startTestQMP(t, buf, QMPConfig{})

	err := q.ExecuteCont(context.Background())
	var qerr *QMPError
	if assert.ErrorAs(err, &qerr) {
		assert.Equal("GenericError", qerr.Class)
	}
	assert.Contains(err.Error(), "guest is not paused")

	q.Shutdown()
	<-disconnectedCh
}

func TestQMPQueryStatus(t *testing.T) {
	assert := assert.New(t)

	buf := newQMPTestCommandBuffer(t)
	buf.AddCommand("query-status", nil, "return", map[string]interface{}{
		"running": false,
		"status":  "prelaunch",
	})
	q, disconnectedCh := startTestQMP(t, buf, QMPConfig{})

	status, err := q.ExecuteQueryStatus(context.Background())
	assert.NoError(err)
	assert.False(status.Running)
	assert.Equal("prelaunch", status.Status)

	q.Shutdown()
	<-disconnectedCh
}

func TestQMPSystemPowerdownWaitsForEvent(t *testing.T) {
	buf := newQMPTestCommandBuffer(t)
	buf.AddCommand("system_powerdown", nil, "return", nil)
	buf.AddEvent("SHUTDOWN", 20*time.Millisecond, nil,
		map[string]interface{}{"seconds": 1352167040, "microseconds": 730000})

	eventCh := make(chan QMPEvent, 1)
	q, disconnectedCh := startTestQMP(t, buf, QMPConfig{EventCh: eventCh})

	var wg sync.WaitGroup
	buf.startEventLoop(&wg)

	assert.NoError(t, q.ExecuteSystemPowerdown(context.Background()))
	ev := <-eventCh
	assert.Equal(t, "SHUTDOWN", ev.Name)
	assert.Equal(t, time.Unix(1352167040, 730000*int64(time.Microsecond)), ev.Timestamp)

	wg.Wait()
	q.Shutdown()
	<-disconnectedCh
}

func TestQMPCancelledCommand(t *testing.T) {
	buf := newQMPTestCommandBuffer(t)
	buf.AddCommand("system_powerdown", nil, "return", nil)
	q, disconnectedCh := startTestQMP(t, buf, QMPConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.ExecuteSystemPowerdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	q.Shutdown()
	<-disconnectedCh
}

func TestQMPLostConnection(t *testing.T) {
	buf := newQMPTestCommandBuffer(t)
	q, disconnectedCh := startTestQMP(t, buf, QMPConfig{})

	buf.Close()
	<-disconnectedCh

	assert.ErrorIs(t, q.ExecuteCont(context.Background()), ErrQMPDisconnected)
}

func TestQMPQuerySEV(t *testing.T) {
	assert := assert.New(t)

	buf := newQMPTestCommandBuffer(t)
	buf.AddCommand("query-sev", nil, "return", map[string]interface{}{
		"enabled":   true,
		"api-major": 0,
		"api-minor": 24,
		"build-id":  15,
		"policy":    5,
		"state":     "launch-secret",
		"handle":    1,
	})
	q, disconnectedCh := startTestQMP(t, buf, QMPConfig{})

	info, err := q.ExecuteQuerySEV(context.Background())
	assert.NoError(err)
	assert.Equal(&SEVInfo{
		Enabled:  true,
		APIMinor: 24,
		BuildID:  15,
		Policy:   5,
		State:    "launch-secret",
		Handle:   1,
	}, info)

	q.Shutdown()
	<-disconnectedCh
}

func TestQMPQuerySEVLaunchMeasure(t *testing.T) {
	assert := assert.New(t)

	measurement := bytes.Repeat([]byte{0xab}, 48)

	buf := newQMPTestCommandBuffer(t)
	buf.AddCommand("query-sev-launch-measure", nil, "return", map[string]interface{}{
		"data": base64.StdEncoding.EncodeToString(measurement),
	})
	buf.AddCommand("query-sev-launch-measure", nil, "return", map[string]interface{}{
		"data": "not base64!",
	})
	q, disconnectedCh := startTestQMP(t, buf, QMPConfig{})

	got, err := q.ExecuteQuerySEVLaunchMeasure(context.Background())
	assert.NoError(err)
	assert.Equal(measurement, got)

	_, err = q.ExecuteQuerySEVLaunchMeasure(context.Background())
	assert.Error(err)

	q.Shutdown()
	<-disconnectedCh
}

func TestQMPSEVInjectLaunchSecret(t *testing.T) {
	assert := assert.New(t)

	buf := newQMPTestCommandBuffer(t)
	buf.AddCommand("sev-inject-launch-secret", nil, "return", nil)
	buf.AddCommand("sev-inject-launch-secret", nil, "return", nil)
	q, disconnectedCh := startTestQMP(t, buf, QMPConfig{})

	ctx := context.Background()
	assert.NoError(q.ExecuteSEVInjectLaunchSecret(ctx, []byte("hdr"), []byte("secret"), nil))

	gpa := uint64(0x800000)
	assert.NoError(q.ExecuteSEVInjectLaunchSecret(ctx, []byte("hdr"), []byte("secret"), &gpa))

	assert.Equal(map[string]interface{}{
		"packet-header": base64.StdEncoding.EncodeToString([]byte("hdr")),
		"secret":        base64.StdEncoding.EncodeToString([]byte("secret")),
	}, buf.args(0))
	assert.Equal(float64(gpa), buf.args(1)["gpa"])

	q.Shutdown()
	<-disconnectedCh
}
