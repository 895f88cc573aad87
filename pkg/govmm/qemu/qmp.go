// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package qemu

import (
	"bufio"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
)

// QMPLog is the logging interface used by the QMP loop, so callers can plug
// in their own logger.
type QMPLog interface {
	// V reports whether the given verbosity level is enabled.
	V(int32) bool
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Errorf(string, ...interface{})
}

type qmpNullLogger struct{}

func (l qmpNullLogger) V(level int32) bool {
	return false
}

func (l qmpNullLogger) Infof(format string, v ...interface{}) {
}

func (l qmpNullLogger) Warningf(format string, v ...interface{}) {
}

func (l qmpNullLogger) Errorf(format string, v ...interface{}) {
}

// ErrQMPDisconnected is returned for commands issued or pending once the
// QMP socket is gone.
var ErrQMPDisconnected = errors.New("QMP connection closed, command cancelled")

// QMPError is the error object of a failed QMP command.
type QMPError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *QMPError) Error() string {
	if e.Class == "" {
		return "QMP command failed: " + e.Desc
	}
	return fmt.Sprintf("QMP command failed: %s: %s", e.Class, e.Desc)
}

// QMPConfig carries the optional logger and event channel of a QMP
// connection.
type QMPConfig struct {
	// EventCh receives every QMP event when set.
	EventCh chan<- QMPEvent

	Logger QMPLog
}

// QMPEvent is a single asynchronous QMP event.
type QMPEvent struct {
	// Name of the event, e.g. RESUME
	Name      string
	Data      map[string]interface{}
	Timestamp time.Time
}

type qmpEventFilter struct {
	eventName string
	dataKey   string
	dataValue string
}

type qmpResult struct {
	response json.RawMessage
	err      error
}

type qmpCommand struct {
	ctx            context.Context
	res            chan qmpResult
	name           string
	args           map[string]interface{}
	filter         *qmpEventFilter
	resultReceived bool
}

// qmpMessage is anything QEMU writes on the socket: a greeting, a command
// reply or an event.
type qmpMessage struct {
	QMP       *qmpGreeting           `json:"QMP"`
	Event     string                 `json:"event"`
	Data      map[string]interface{} `json:"data"`
	Timestamp *struct {
		Seconds      int64 `json:"seconds"`
		Microseconds int64 `json:"microseconds"`
	} `json:"timestamp"`
	Return json.RawMessage `json:"return"`
	Error  *QMPError       `json:"error"`
}

type qmpGreeting struct {
	Version struct {
		Qemu struct {
			Major uint64 `json:"major"`
			Minor uint64 `json:"minor"`
			Micro uint64 `json:"micro"`
		} `json:"qemu"`
	} `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// QMP holds the state of one QMP connection. Commands are serialized
// through a queue owned by mainLoop.
type QMP struct {
	cmdCh          chan qmpCommand
	conn           io.ReadWriteCloser
	cfg            QMPConfig
	connectedCh    chan<- *QMPVersion
	disconnectedCh chan struct{}
	version        *QMPVersion
}

// QMPVersion is the QEMU version and capabilities announced in the QMP
// greeting.
type QMPVersion struct {
	semver.Version
	Capabilities []string
}

func (q *QMP) readLoop(fromVMCh chan<- []byte) {
	scanner := bufio.NewScanner(q.conn)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if q.cfg.Logger.V(1) {
			q.cfg.Logger.Infof("%s", string(line))
		}
		fromVMCh <- line
	}
	close(fromVMCh)
}

func (q *QMP) processQMPEvent(cmdQueue *list.List, msg *qmpMessage) {
	if cmdEl := cmdQueue.Front(); cmdEl != nil {
		cmd := cmdEl.Value.(*qmpCommand)
		if f := cmd.filter; f != nil && f.eventName == msg.Event {
			match := f.dataKey == "" || (msg.Data != nil && msg.Data[f.dataKey] == f.dataValue)
			if match {
				if cmd.resultReceived {
					q.finaliseCommand(cmdEl, cmdQueue, qmpResult{})
				} else {
					cmd.filter = nil
				}
			}
		}
	}

	if q.cfg.EventCh == nil {
		return
	}

	ev := QMPEvent{Name: msg.Event, Data: msg.Data}
	if msg.Timestamp != nil {
		ev.Timestamp = time.Unix(msg.Timestamp.Seconds, msg.Timestamp.Microseconds*int64(time.Microsecond))
	}
	q.cfg.EventCh <- ev
}

func (q *QMP) finaliseCommand(cmdEl *list.Element, cmdQueue *list.List, res qmpResult) {
	cmd := cmdEl.Value.(*qmpCommand)
	cmdQueue.Remove(cmdEl)

	select {
	case cmd.res <- res:
	case <-cmd.ctx.Done():
	}

	if cmdQueue.Len() > 0 {
		q.writeNextQMPCommand(cmdQueue)
	}
}

func (q *QMP) processQMPInput(line []byte, cmdQueue *list.List) {
	var msg qmpMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		q.cfg.Logger.Warningf("Unable to decode response [%s] from VM: %v", string(line), err)
		return
	}

	if msg.Event != "" {
		q.processQMPEvent(cmdQueue, &msg)
		return
	}

	succeeded := msg.Return != nil
	failed := msg.Error != nil
	if !succeeded && !failed {
		return
	}

	cmdEl := cmdQueue.Front()
	if cmdEl == nil {
		q.cfg.Logger.Warningf("Unexpected command response received [%s] from VM", string(line))
		return
	}

	cmd := cmdEl.Value.(*qmpCommand)
	switch {
	case failed:
		q.finaliseCommand(cmdEl, cmdQueue, qmpResult{err: msg.Error})
	case cmd.filter == nil:
		q.finaliseCommand(cmdEl, cmdQueue, qmpResult{response: msg.Return})
	default:
		cmd.resultReceived = true
	}
}

func currentCommandDoneCh(cmdQueue *list.List) <-chan struct{} {
	cmdEl := cmdQueue.Front()
	if cmdEl == nil {
		return nil
	}
	return cmdEl.Value.(*qmpCommand).ctx.Done()
}

func (q *QMP) writeNextQMPCommand(cmdQueue *list.List) {
	for cmdQueue.Len() > 0 {
		cmdEl := cmdQueue.Front()
		cmd := cmdEl.Value.(*qmpCommand)

		cmdData := map[string]interface{}{"execute": cmd.name}
		if cmd.args != nil {
			cmdData["arguments"] = cmd.args
		}

		encodedCmd, err := json.Marshal(cmdData)
		if err == nil {
			q.cfg.Logger.Infof("%s", string(encodedCmd))
			_, err = q.conn.Write(append(encodedCmd, '\n'))
			if err == nil {
				return
			}
			err = errors.Wrap(err, "writing command to QMP socket")
		} else {
			err = errors.Wrapf(err, "encoding command %s", cmd.name)
		}

		cmdQueue.Remove(cmdEl)
		select {
		case cmd.res <- qmpResult{err: err}:
		case <-cmd.ctx.Done():
		}
	}
}

func failOutstandingCommands(cmdQueue *list.List) {
	for e := cmdQueue.Front(); e != nil; e = e.Next() {
		cmd := e.Value.(*qmpCommand)
		select {
		case cmd.res <- qmpResult{err: ErrQMPDisconnected}:
		case <-cmd.ctx.Done():
		}
	}
}

func (q *QMP) cancelCurrentCommand(cmdQueue *list.List) {
	cmdEl := cmdQueue.Front()
	cmd := cmdEl.Value.(*qmpCommand)
	if cmd.resultReceived {
		q.finaliseCommand(cmdEl, cmdQueue, qmpResult{err: cmd.ctx.Err()})
	} else {
		cmd.filter = nil
	}
}

func (q *QMP) parseVersion(greeting []byte) *QMPVersion {
	var msg qmpMessage
	if err := json.Unmarshal(greeting, &msg); err != nil || msg.QMP == nil {
		q.cfg.Logger.Errorf("Invalid QMP greeting: %s", string(greeting))
		return nil
	}

	v := msg.QMP.Version.Qemu
	caps := msg.QMP.Capabilities
	if caps == nil {
		caps = []string{}
	}

	return &QMPVersion{
		Version:      semver.Version{Major: v.Major, Minor: v.Minor, Patch: v.Micro},
		Capabilities: caps,
	}
}

// QMP does not match replies to requests, so commands are written one at a
// time from cmdQueue, in submission order.
//
// A command whose context is cancelled returns to its caller at once. If
// QEMU already replied and the command only waits for an event, it is
// dropped from the queue. Otherwise it stays queued until its reply
// arrives, which is then discarded, and only then is the next command
// written.
func (q *QMP) mainLoop() {
	cmdQueue := list.New().Init()
	fromVMCh := make(chan []byte)
	go q.readLoop(fromVMCh)

	defer func() {
		if q.cfg.EventCh != nil {
			close(q.cfg.EventCh)
		}
		_ = q.conn.Close()
		for range fromVMCh {
		}
		failOutstandingCommands(cmdQueue)
		close(q.disconnectedCh)
	}()

	var greeting []byte
	var cmdDoneCh <-chan struct{}

GREETING:
	for {
		select {
		case cmd, ok := <-q.cmdCh:
			if !ok {
				return
			}
			_ = cmdQueue.PushBack(&cmd)
		case line, ok := <-fromVMCh:
			if !ok {
				return
			}
			greeting = line
			if cmdQueue.Len() >= 1 {
				q.writeNextQMPCommand(cmdQueue)
				cmdDoneCh = currentCommandDoneCh(cmdQueue)
			}
			break GREETING
		}
	}

	q.connectedCh <- q.parseVersion(greeting)

	for {
		select {
		case cmd, ok := <-q.cmdCh:
			if !ok {
				return
			}
			_ = cmdQueue.PushBack(&cmd)

			// only write it now if nothing else is in flight
			if cmdQueue.Len() == 1 {
				q.writeNextQMPCommand(cmdQueue)
				cmdDoneCh = currentCommandDoneCh(cmdQueue)
			}
		case line, ok := <-fromVMCh:
			if !ok {
				return
			}
			q.processQMPInput(line, cmdQueue)
			cmdDoneCh = currentCommandDoneCh(cmdQueue)
		case <-cmdDoneCh:
			q.cancelCurrentCommand(cmdQueue)
			cmdDoneCh = currentCommandDoneCh(cmdQueue)
		}
	}
}

func startQMPLoop(conn io.ReadWriteCloser, cfg QMPConfig,
	connectedCh chan<- *QMPVersion, disconnectedCh chan struct{}) *QMP {
	q := &QMP{
		cmdCh:          make(chan qmpCommand),
		conn:           conn,
		cfg:            cfg,
		connectedCh:    connectedCh,
		disconnectedCh: disconnectedCh,
	}
	go q.mainLoop()
	return q
}

func (q *QMP) executeCommandWithResponse(ctx context.Context, name string, args map[string]interface{},
	filter *qmpEventFilter) (json.RawMessage, error) {
	resCh := make(chan qmpResult)

	select {
	case <-q.disconnectedCh:
		return nil, ErrQMPDisconnected
	case q.cmdCh <- qmpCommand{
		ctx:    ctx,
		res:    resCh,
		name:   name,
		args:   args,
		filter: filter,
	}:
	}

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, errors.WithMessage(res.err, name)
		}
		return res.response, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), name)
	}
}

func (q *QMP) executeCommand(ctx context.Context, name string, args map[string]interface{},
	filter *qmpEventFilter) error {
	_, err := q.executeCommandWithResponse(ctx, name, args, filter)
	return err
}

func (q *QMP) executeQuery(ctx context.Context, name string, args map[string]interface{}, out interface{}) error {
	response, err := q.executeCommandWithResponse(ctx, name, args, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(response, out); err != nil {
		return errors.Wrapf(err, "decoding %s response", name)
	}
	return nil
}

// QMPStart connects to the QMP unix socket of a QEMU instance, waits for
// the greeting and starts the goroutines serving the connection.
//
// disconnectedCh is closed by the package when the connection is lost or
// after Shutdown. Callers should call Shutdown once done with a connection
// that was successfully started.
func QMPStart(ctx context.Context, socket string, cfg QMPConfig, disconnectedCh chan struct{}) (*QMP, *QMPVersion, error) {
	if cfg.Logger == nil {
		cfg.Logger = qmpNullLogger{}
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socket)
	if err != nil {
		cfg.Logger.Warningf("Unable to connect to unix socket (%s): %v", socket, err)
		close(disconnectedCh)
		return nil, nil, err
	}

	return qmpStartConn(ctx, conn, cfg, disconnectedCh)
}

func qmpStartConn(ctx context.Context, conn io.ReadWriteCloser, cfg QMPConfig, disconnectedCh chan struct{}) (*QMP, *QMPVersion, error) {
	if cfg.Logger == nil {
		cfg.Logger = qmpNullLogger{}
	}

	connectedCh := make(chan *QMPVersion)
	q := startQMPLoop(conn, cfg, connectedCh, disconnectedCh)

	select {
	case <-ctx.Done():
		q.Shutdown()
		<-disconnectedCh
		return nil, nil, errors.New("Canceled by caller")
	case <-disconnectedCh:
		return nil, nil, errors.New("Lost connection to VM")
	case q.version = <-connectedCh:
		if q.version == nil {
			q.Shutdown()
			return nil, nil, errors.New("Failed to find QMP version information")
		}
	}

	return q, q.version, nil
}

// Shutdown closes the QMP connection. It does not stop the QEMU instance
// and must be called at most once.
func (q *QMP) Shutdown() {
	close(q.cmdCh)
}

// Version returns the version announced in the greeting.
func (q *QMP) Version() *QMPVersion {
	return q.version
}

// ExecuteQMPCapabilities leaves capabilities negotiation mode.
func (q *QMP) ExecuteQMPCapabilities(ctx context.Context) error {
	return q.executeCommand(ctx, "qmp_capabilities", nil, nil)
}

// ExecuteCont resumes the guest.
func (q *QMP) ExecuteCont(ctx context.Context) error {
	return q.executeCommand(ctx, "cont", nil, nil)
}

// ExecuteSystemPowerdown requests a guest power down and blocks until the
// SHUTDOWN event.
func (q *QMP) ExecuteSystemPowerdown(ctx context.Context) error {
	filter := &qmpEventFilter{
		eventName: "SHUTDOWN",
	}
	return q.executeCommand(ctx, "system_powerdown", nil, filter)
}

// ExecuteQuit terminates QEMU immediately.
func (q *QMP) ExecuteQuit(ctx context.Context) error {
	return q.executeCommand(ctx, "quit", nil, nil)
}

// StatusInfo is the query-status reply.
type StatusInfo struct {
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

// ExecuteQueryStatus returns the run state of the guest.
func (q *QMP) ExecuteQueryStatus(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := q.executeQuery(ctx, "query-status", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
