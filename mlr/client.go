// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mlr implements the Multicast Listener Registration client: the
// Thread component that registers a node's (and its children's) multicast
// subscriptions with the primary backbone router so traffic sent to a
// backbone-bound multicast address reaches the Thread mesh, per spec.md
// §4.11.
package mlr

import (
	"math/rand"

	"github.com/openthread-go/corestack/coap"
)

// IPv6AddressesNumMax bounds how many addresses one registration request
// carries, reproduced from mlr_manager.cpp's kIPv6AddressesNumMax.
const IPv6AddressesNumMax = 9

// AddressState is where one multicast address sits in the registration
// lifecycle.
type AddressState uint8

const (
	ToRegister AddressState = iota
	Registering
	Registered
)

// Status is the MLR.rsp status code the backbone router returns.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusInvalid
	StatusDuplicate
	StatusNotPrimary
	StatusMcastTableFull
	StatusFailure
)

// Logger is the nil-safe sink the client logs registration state changes
// through.
type Logger interface {
	Printf(format string, v ...interface{})
}

type entry struct {
	addr  string
	state AddressState
}

// Config configures a Client at construction.
type Config struct {
	PrimaryBackboneServiceALOC string
	RegistrationPath           string // default "n/mr"
	ReregistrationDelay        uint32 // mlr_timeout seconds, drives the post-success reschedule window
	Log                        Logger
}

// Client is the single per-instance MLR state machine described in
// spec.md §4.11: it batches pending addresses, sends one confirmable POST
// per batch, and reschedules on both success (to pick up newly pending
// addresses) and failure (with a randomized backoff).
type Client struct {
	agent *coap.Agent
	clock coap.Clock
	rng   *rand.Rand
	cfg   Config

	entries []entry

	onReregisterAt func(delaySeconds uint32)
}

// NewClient wires a Client to agent for sending MLR.req and to clock for
// computing the randomized reregistration delay.
func NewClient(agent *coap.Agent, clock coap.Clock, rng *rand.Rand, cfg Config) *Client {
	if cfg.RegistrationPath == "" {
		cfg.RegistrationPath = "n/mr"
	}
	return &Client{agent: agent, clock: clock, rng: rng, cfg: cfg}
}

func (c *Client) logf(format string, v ...interface{}) {
	if c.cfg.Log != nil {
		c.cfg.Log.Printf(format, v...)
	}
}

// OnReregisterAt registers a callback invoked with the randomized delay
// (seconds) the caller should arm a timer for after a registration
// attempt, so the owning instance can schedule the retry itself (spec.md
// §5: no blocking I/O or internal timers in the core).
func (c *Client) OnReregisterAt(fn func(delaySeconds uint32)) { c.onReregisterAt = fn }

// Subscribe adds addr in ToRegister state, unless already tracked, and
// returns whether a new entry was created (the caller should call
// TriggerRegistration once done batching subscribe events from one
// netif-change).
func (c *Client) Subscribe(addr string) bool {
	for i := range c.entries {
		if c.entries[i].addr == addr {
			return false
		}
	}
	c.entries = append(c.entries, entry{addr: addr, state: ToRegister})
	return true
}

// Unsubscribe drops addr entirely.
func (c *Client) Unsubscribe(addr string) {
	for i := range c.entries {
		if c.entries[i].addr == addr {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// StateOf reports the tracked state of addr, or false if untracked.
func (c *Client) StateOf(addr string) (AddressState, bool) {
	for _, e := range c.entries {
		if e.addr == addr {
			return e.state, true
		}
	}
	return 0, false
}

// TriggerRegistration collects up to IPv6AddressesNumMax addresses
// currently ToRegister, marks them Registering, and sends the batched
// MLR.req. A no-op if nothing is pending.
func (c *Client) TriggerRegistration() error {
	var batch []string
	for i := range c.entries {
		if c.entries[i].state != ToRegister {
			continue
		}
		batch = append(batch, c.entries[i].addr)
		c.entries[i].state = Registering
		if len(batch) == IPv6AddressesNumMax {
			break
		}
	}
	if len(batch) == 0 {
		return nil
	}
	return c.sendRequest(batch)
}

func (c *Client) sendRequest(batch []string) error {
	req, err := c.agent.NewRequest(coap.TypeConfirmable, coap.CodePost)
	if err != nil {
		return err
	}
	if err := coap.SetUriPath(req, c.cfg.RegistrationPath); err != nil {
		return err
	}
	req.SetPayload(encodeAddressesTlv(batch))

	info := coap.MessageInfo{PeerAddr: c.cfg.PrimaryBackboneServiceALOC, PeerPort: 5683}
	return c.agent.SendMessage(req, info, nil, coap.SendCallbacks{
		Handler: func(resp *coap.Message, result coap.Error) {
			c.handleResponse(batch, resp, result)
		},
	})
}

func (c *Client) handleResponse(batch []string, resp *coap.Message, result coap.Error) {
	if result != coap.ErrNone || resp == nil {
		c.failAll(batch)
		return
	}
	status, failed, err := decodeMlrResponse(resp.Payload())
	if err != nil {
		c.failAll(batch)
		return
	}
	if status == StatusSuccess && len(failed) == 0 {
		c.markAll(batch, Registered)
		// Pick up any addresses that became pending while this batch was
		// in flight.
		_ = c.TriggerRegistration()
		c.scheduleReregistration()
		return
	}

	toRetry := failed
	if status != StatusSuccess && len(failed) == 0 {
		toRetry = batch
	}
	c.retryWithBackoff(toRetry)
}

func (c *Client) markAll(addrs []string, state AddressState) {
	for _, a := range addrs {
		for i := range c.entries {
			if c.entries[i].addr == a {
				c.entries[i].state = state
			}
		}
	}
}

func (c *Client) failAll(batch []string) {
	c.retryWithBackoff(batch)
}

// retryWithBackoff moves addrs back to ToRegister; the caller's timer
// should re-invoke TriggerRegistration after the delay reported through
// OnReregisterAt ([1, reregistration_delay] seconds, per spec.md §4.11).
func (c *Client) retryWithBackoff(addrs []string) {
	c.markAll(addrs, ToRegister)
	delay := uint32(1)
	if c.cfg.ReregistrationDelay > 1 {
		delay = uint32(1 + c.rng.Intn(int(c.cfg.ReregistrationDelay)))
	}
	c.logf("mlr: retrying %d address(es) in %ds", len(addrs), delay)
	if c.onReregisterAt != nil {
		c.onReregisterAt(delay)
	}
}

// scheduleReregistration arms the next full reregistration sweep at a
// random time in (mlr_timeout/2+1, mlr_timeout-9) seconds, per spec.md
// §4.11's final paragraph.
func (c *Client) scheduleReregistration() {
	timeout := c.cfg.ReregistrationDelay
	lo := timeout/2 + 1
	hi := timeout
	if hi > 9 {
		hi -= 9
	} else {
		hi = lo
	}
	delay := lo
	if hi > lo {
		delay = lo + uint32(c.rng.Intn(int(hi-lo)))
	}
	if c.onReregisterAt != nil {
		c.onReregisterAt(delay)
	}
}
