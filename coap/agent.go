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

package coap

import (
	"encoding/binary"
	"math/rand"
	"reflect"
)

// Socket is the UDP (or DTLS) transport the Agent is bound to
// (spec.md §6): non-blocking send, with inbound datagrams delivered via
// HandleReceive from the platform's single cooperative context.
type Socket interface {
	SendTo(buf []byte, info MessageInfo) error
}

// Interceptor runs before resource dispatch on every inbound request; it
// lets MeshCoP filter non-TMF traffic on a shared endpoint (spec.md §4.3).
// Returning ErrNotTmf drops the message before it reaches the resource
// table.
type Interceptor func(req *Message, info MessageInfo) Error

// ResponseFallbackHandler is invoked for a response that matches no
// pending request, when the agent has one registered (spec.md §4.3).
type ResponseFallbackHandler func(resp *Message, info MessageInfo)

// AgentOption configures an Agent at construction time.
type AgentOption func(*Agent)

func WithLogger(l Logger) AgentOption { return func(a *Agent) { a.log = l } }
func WithTxParameters(p TxParameters) AgentOption {
	return func(a *Agent) { a.defaultTxParams = p }
}
func WithMaxCacheSize(n int) AgentOption {
	return func(a *Agent) { a.cache = newResponseCache(n) }
}
func WithMaxBlockSize(n int) AgentOption {
	return func(a *Agent) { a.blockwise = newBlockwiseEngine(n) }
}
func WithObserve(enabled bool) AgentOption {
	return func(a *Agent) { a.observeEnabled = enabled }
}
func WithInterceptor(i Interceptor) AgentOption {
	return func(a *Agent) { a.interceptor = i }
}
func WithResponseFallback(f ResponseFallbackHandler) AgentOption {
	return func(a *Agent) { a.responseFallback = f }
}
func WithResourceHandler(h RequestHandler) AgentOption {
	return func(a *Agent) { a.resourceHandler = h }
}
func WithDefaultHandler(h RequestHandler) AgentOption {
	return func(a *Agent) { a.defaultHandler = h }
}

// Agent ties the message pool, pending-request table, response cache,
// resource dispatch table and block-wise/observe engines to a single UDP
// (or DTLS) socket and runs the retransmission timer, per spec.md §4.3.
// Everything on an Agent is touched from exactly one cooperative context;
// there are no internal locks.
type Agent struct {
	pool   *Pool
	socket Socket
	clock  Clock
	timer  Timer
	rng    *rand.Rand
	ids    *idGenerator
	log    Logger

	pending pendingTable
	cache   *responseCache

	resources       resourceList
	defaultHandler  RequestHandler
	resourceHandler RequestHandler
	interceptor     Interceptor
	responseFallback ResponseFallbackHandler

	blockwise      *blockwiseEngine
	observeEnabled bool

	defaultTxParams TxParameters
}

// NewAgent constructs an Agent bound to socket, using clock for time and
// timer as its single retransmission alarm.
func NewAgent(pool *Pool, socket Socket, clock Clock, timer Timer, opts ...AgentOption) *Agent {
	a := &Agent{
		pool:            pool,
		socket:          socket,
		clock:           clock,
		timer:           timer,
		rng:             rand.New(rand.NewSource(1)),
		ids:             newIDGenerator(uint16(rand.Int())),
		cache:           newResponseCache(DefaultMaxCacheSize),
		blockwise:       newBlockwiseEngine(DefaultMaxBlockSize),
		observeEnabled:  true,
		defaultTxParams: DefaultTxParameters(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) logf(format string, v ...interface{}) {
	if a.log == nil {
		return
	}
	a.log.Printf(format, v...)
}

// AddResource registers r in the URI-path dispatch table.
func (a *Agent) AddResource(r *Resource) { a.resources.add(r) }

// RemoveResource unregisters the resource at uriPath, if any.
func (a *Agent) RemoveResource(uriPath string) bool { return a.resources.remove(uriPath) }

// NewRequest allocates a message from the agent's pool, for a caller
// (MeshCoP, MLR) that wants to build an outgoing request before handing it
// to SendMessage.
func (a *Agent) NewRequest(typ Type, code Code) (*Message, error) {
	return a.pool.NewMessage(typ, code)
}

// SendCallbacks bundles the optional hooks a caller may attach to an
// outgoing request.
type SendCallbacks struct {
	Handler       ResponseHandler
	BlockTransmit BlockTransmitHook
	BlockReceive  BlockReceiveHook
}

// SendMessage implements the outgoing send algorithm in spec.md §4.3.
func (a *Agent) SendMessage(msg *Message, info MessageInfo, txParams *TxParameters, cb SendCallbacks) error {
	// Step 1: validate as if received, in RemovePayloadMarkerIfNoPayload
	// mode (a zero-length payload with a stray marker is tolerated here).
	wire, err := encode(msg)
	if err != nil {
		return ErrInvalidArgs
	}
	if _, err := decode(wire, RemovePayloadMarkerIfNoPayload); err != nil {
		return ErrInvalidArgs
	}

	// Step 2: tx params.
	params := a.defaultTxParams
	if txParams != nil {
		params = *txParams
	}
	if err := params.Validate(msg.IsConfirmable()); err != nil {
		return ErrInvalidArgs
	}

	// Step 3: block-wise send walk, if a transmit hook was supplied and
	// this looks like the first send (no Block1 option present yet).
	if cb.BlockTransmit != nil {
		if _, has := msg.FindOption(OptionBlock1); !has {
			if err := a.blockwise.StartSend(msg, cb.BlockTransmit); err != nil {
				return err
			}
		}
	}

	// Step 4: message-id assignment.
	switch msg.Type() {
	case TypeAcknowledgement:
		clone := msg.Clone()
		clone.pool, clone.refs = nil, nil
		key := cacheKey{peerAddr: info.PeerAddr, peerPort: info.PeerPort, messageID: msg.MessageID()}
		a.cache.insert(key, clone, a.clock.NowMs()+params.ExchangeLifetimeMs())
	case TypeReset:
		if msg.Code() != CodeEmpty {
			return ErrInvalidArgs
		}
	case TypeConfirmable, TypeNonConfirmable:
		msg.SetMessageID(a.ids.nextMessageID())
	}

	// Step 5: decide whether tracking is needed.
	needsTrack := false
	switch {
	case msg.Type() == TypeConfirmable:
		needsTrack = true
	case msg.Type() == TypeNonConfirmable && cb.Handler != nil:
		needsTrack = true
	}

	// Step 6: Observe bookkeeping. A request (GET, Observe=0) is a
	// subscribe; a request with Observe=1 is a cancellation; a response
	// carrying Observe is an outgoing server notification. All three get
	// tracked so an empty ACK or a later notification can find them again.
	_, hasObserve := msg.Options().Observe()
	if a.observeEnabled && hasObserve {
		if cb.Handler != nil && IsObserveCancellation(msg) {
			a.cancelMatchingObserve(msg, info, cb.Handler)
		}
		needsTrack = true
	}

	// Re-encode now that the block-wise walk and message-id assignment
	// may have changed the message.
	if wire, err = encode(msg); err != nil {
		return ErrInvalidArgs
	}

	var tracked *Message
	if needsTrack {
		var err error
		if a.pool != nil {
			tracked, err = a.pool.Clone(msg)
			if err != nil {
				return err
			}
		} else {
			tracked = msg.Clone()
		}
		tracked.meta = &requestMetadata{
			peerAddr:      info.PeerAddr,
			destPort:      info.PeerPort,
			hopLimit:      info.HopLimit,
			multicastLoop: info.MulticastLoop,
			isHostIface:   info.IsHostInterface,
			callbacks:     requestCallbacks{handler: cb.Handler, blockTransmit: cb.BlockTransmit, blockReceive: cb.BlockReceive},
			confirmable:   msg.Type() == TypeConfirmable,
			retxRemaining: uint8(params.MaxRetransmit),
			retxTimeoutMs: params.InitialAckTimeoutMs(a.rng),
		}
		if a.observeEnabled && hasObserve {
			tracked.meta.observe = true
			tracked.meta.observeRequest = msg.Code().IsRequest()
		}
		tracked.meta.timerFireTime = a.clock.NowMs() + tracked.meta.retxTimeoutMs
		a.pending.add(tracked)
		a.rescheduleTimer()
	}

	// Step 8: transmit.
	if err := a.socket.SendTo(wire, info); err != nil {
		// Step 9: on failure, dequeue the tracked copy.
		if tracked != nil {
			a.pending.remove(tracked)
			tracked.Free()
		}
		return err
	}
	return nil
}

func (a *Agent) cancelMatchingObserve(msg *Message, info MessageInfo, handler ResponseHandler) {
	uriPath, _ := msg.Options().UriPath()
	a.pending.queue.Each(func(m *Message) {
		if m.meta == nil || !m.meta.observe || !m.meta.observeRequest {
			return
		}
		if m.meta.peerAddr != info.PeerAddr {
			return
		}
		p, _ := m.Options().UriPath()
		if p != uriPath {
			return
		}
		cb := m.meta.callbacks
		a.pending.remove(m)
		m.Free()
		if cb.handler != nil {
			cb.handler(nil, ErrNone)
		}
	})
}

// rescheduleTimer arms the single retransmission timer to the earliest
// pending fire time, or stops it if nothing is tracked.
func (a *Agent) rescheduleTimer() {
	if ms, ok := a.pending.earliestFireTime(); ok {
		a.timer.ScheduleFireAt(ms)
	} else {
		a.timer.Stop()
	}
}

// HandleTimerFired implements the retransmission sweep in spec.md §4.3.
func (a *Agent) HandleTimerFired(now uint32) {
	var toFinalize []*Message
	var toResend []*Message
	a.pending.queue.Each(func(m *Message) {
		if m.meta == nil || m.meta.observe {
			return
		}
		if Before(m.meta.timerFireTime, now+1) {
			shouldRetransmit := m.meta.confirmable && m.meta.retxRemaining > 0
			if !shouldRetransmit {
				toFinalize = append(toFinalize, m)
				return
			}
			m.meta.retxTimeoutMs *= 2
			m.meta.retxRemaining--
			m.meta.timerFireTime = now + m.meta.retxTimeoutMs
			if !m.meta.acknowledged {
				toResend = append(toResend, m)
			}
		}
	})
	for _, m := range toResend {
		if wire, err := encode(m); err == nil {
			info := MessageInfo{PeerAddr: m.meta.peerAddr, PeerPort: m.meta.destPort, HopLimit: m.meta.hopLimit, MulticastLoop: m.meta.multicastLoop, IsHostInterface: m.meta.isHostIface}
			if err := a.socket.SendTo(wire, info); err != nil {
				a.logf("retransmit failed: %v", err)
			}
		}
	}
	for _, m := range toFinalize {
		cb := m.meta.callbacks
		a.pending.remove(m)
		m.Free()
		if cb.handler != nil {
			cb.handler(nil, ErrResponseTimeout)
		}
	}
	a.cache.sweepExpired(now)
	a.rescheduleTimer()
}

// AbortTransaction finalizes every pending request whose response
// handler is handler, delivering ErrAbort to each.
func (a *Agent) AbortTransaction(handler ResponseHandler) {
	var victims []*Message
	a.pending.queue.Each(func(m *Message) {
		if m.meta != nil && sameHandler(m.meta.callbacks.handler, handler) {
			victims = append(victims, m)
		}
	})
	for _, m := range victims {
		cb := m.meta.callbacks
		a.pending.remove(m)
		m.Free()
		if cb.handler != nil {
			cb.handler(nil, ErrAbort)
		}
	}
}

func sameHandler(a, b ResponseHandler) bool {
	// Go function values are not comparable with ==; identity is
	// approximated by pointer equality of the underlying closures. Callers
	// that need precise matching should wrap their handler so the same
	// func value is reused across Send/Abort calls.
	if a == nil || b == nil {
		return false
	}
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// ClearAllRequestsAndResponses aborts every pending request and empties
// the response cache (spec.md §8 item 3).
func (a *Agent) ClearAllRequestsAndResponses() {
	var all []*Message
	a.pending.queue.Each(func(m *Message) { all = append(all, m) })
	for _, m := range all {
		cb := m.meta.callbacks
		a.pending.remove(m)
		m.Free()
		if cb.handler != nil {
			cb.handler(nil, ErrAbort)
		}
	}
	a.cache.removeAll()
	a.timer.Stop()
}

// HandleReceive implements the inbound dispatch algorithm in spec.md §4.3:
// parse, then route to the request or response path.
func (a *Agent) HandleReceive(buf []byte, info MessageInfo) {
	msg, err := a.pool.Parse(buf, RejectIfNoPayloadWithPayloadMarker)
	if err != nil {
		a.handleParseFailure(buf, info)
		return
	}
	if msg.Code().IsRequest() {
		a.handleRequest(msg, info)
		return
	}
	a.handleResponse(msg, info)
}

func peekHeader(buf []byte) (typ Type, messageID uint16, ok bool) {
	if len(buf) < 4 || buf[0]>>6 != 1 {
		return 0, 0, false
	}
	return Type((buf[0] >> 4) & 0x3), binary.BigEndian.Uint16(buf[2:4]), true
}

// handleParseFailure resets a unicast confirmable sender that sent
// something the codec could not decode at all; anything else is dropped
// silently, matching spec.md §4.3.
func (a *Agent) handleParseFailure(buf []byte, info MessageInfo) {
	typ, messageID, ok := peekHeader(buf)
	if !ok || typ != TypeConfirmable || IsMulticast(info.PeerAddr) {
		return
	}
	a.sendReset(messageID, info)
}

func (a *Agent) sendDirect(msg *Message, info MessageInfo) {
	wire, err := encode(msg)
	if err == nil {
		if err := a.socket.SendTo(wire, info); err != nil {
			a.logf("send failed: %v", err)
		}
	}
	msg.Free()
}

func (a *Agent) sendReset(messageID uint16, info MessageInfo) {
	m, err := a.pool.NewMessage(TypeReset, CodeEmpty)
	if err != nil {
		return
	}
	m.SetMessageID(messageID)
	a.sendDirect(m, info)
}

func (a *Agent) sendEmptyAck(messageID uint16, info MessageInfo) {
	m, err := a.pool.NewMessage(TypeAcknowledgement, CodeEmpty)
	if err != nil {
		return
	}
	m.SetMessageID(messageID)
	a.sendDirect(m, info)
}

func (a *Agent) sendNotFound(req *Message, info MessageInfo) {
	typ := TypeNonConfirmable
	if req.IsConfirmable() {
		typ = TypeAcknowledgement
	}
	m, err := a.pool.NewMessage(typ, CodeNotFound)
	if err != nil {
		return
	}
	_ = m.SetToken(req.Token())
	if typ == TypeAcknowledgement {
		m.SetMessageID(req.MessageID())
	}
	a.sendDirect(m, info)
}

// handleRequest implements the request half of spec.md §4.3's inbound
// algorithm: interceptor veto, dedup-cache resend, block-wise walk,
// resource dispatch, and the 4.04 fallback.
func (a *Agent) handleRequest(req *Message, info MessageInfo) {
	if a.interceptor != nil {
		if result := a.interceptor(req, info); result != ErrNone {
			req.Free()
			return
		}
	}

	if req.IsConfirmable() {
		key := cacheKey{peerAddr: info.PeerAddr, peerPort: info.PeerPort, messageID: req.MessageID()}
		if cached, ok := a.cache.lookup(key, a.clock.NowMs()); ok {
			if wire, err := encode(cached); err == nil {
				if err := a.socket.SendTo(wire, info); err != nil {
					a.logf("resend cached response failed: %v", err)
				}
			}
			req.Free()
			return
		}
	}

	uriPath, _ := req.Options().UriPath()
	res := a.resources.find(uriPath)

	if _, has := req.FindOption(OptionBlock1); has && res != nil && res.BlockReceive != nil {
		resp, err := a.blockwise.ProcessBlock1Request(req, info, res.BlockReceive, a.pool)
		if err != nil {
			a.logf("block1 receive failed: %v", err)
			req.Free()
			return
		}
		if resp != nil {
			a.sendDirect(resp, info)
			req.Free()
			return
		}
		// final block: fall through to the resource handler below.
	}

	if _, has := req.FindOption(OptionBlock2); has && res != nil && res.BlockTransmit != nil {
		resp, err := a.blockwise.ProcessBlock2Request(req, info, res.BlockTransmit, a.pool)
		if err != nil {
			a.logf("block2 transmit failed: %v", err)
			req.Free()
			return
		}
		if resp != nil {
			a.sendDirect(resp, info)
			req.Free()
			return
		}
	}

	w := &responseWriter{agent: a, req: req, info: info}
	if a.resourceHandler != nil {
		a.resourceHandler(req, info, w)
	}
	switch {
	case res != nil:
		res.Handler(req, info, w)
	case a.defaultHandler != nil:
		a.defaultHandler(req, info, w)
	default:
		if !IsMulticast(info.PeerAddr) && !IsMulticast(info.SockAddr) {
			a.sendNotFound(req, info)
		}
	}
	req.Free()
}

// handleResponse implements the response half of spec.md §4.3's inbound
// algorithm: RST/ACK/CON/NON correlation against the pending table.
func (a *Agent) handleResponse(resp *Message, info MessageInfo) {
	switch resp.Type() {
	case TypeReset:
		pending := a.pending.findAck(resp.MessageID(), info.PeerAddr)
		if pending == nil {
			a.unmatchedResponse(resp, info)
			return
		}
		a.finalize(pending, nil, ErrAbort)
		resp.Free()

	case TypeAcknowledgement:
		pending := a.pending.findAck(resp.MessageID(), info.PeerAddr)
		if pending == nil {
			a.unmatchedResponse(resp, info)
			return
		}
		if resp.Code().IsEmpty() {
			if pending.meta.observe && !pending.meta.observeRequest {
				// An outgoing notification is a one-shot confirmable
				// send, not a subscription: its empty ACK finalizes it
				// rather than leaving it tracked for further replies.
				a.finalize(pending, nil, ErrNone)
				resp.Free()
				return
			}
			pending.meta.acknowledged = true
			resp.Free()
			a.rescheduleTimer()
			return
		}
		a.deliver(pending, resp, info)

	case TypeConfirmable:
		pending := a.pending.findResponse(resp.Token(), info.PeerAddr)
		if pending == nil {
			a.unmatchedResponse(resp, info)
			return
		}
		a.sendEmptyAck(resp.MessageID(), info)
		a.deliver(pending, resp, info)

	case TypeNonConfirmable:
		pending := a.pending.findResponse(resp.Token(), info.PeerAddr)
		if pending == nil {
			a.unmatchedResponse(resp, info)
			return
		}
		a.deliver(pending, resp, info)
	}
}

// unmatchedResponse handles a response/RST that names no pending request:
// RST the sender unless it was multicast, or hand the orphan to the
// caller's fallback if one is registered.
func (a *Agent) unmatchedResponse(resp *Message, info MessageInfo) {
	if a.responseFallback != nil {
		a.responseFallback(resp, info)
		resp.Free()
		return
	}
	if resp.Type() != TypeReset && !IsMulticast(info.PeerAddr) {
		a.sendReset(resp.MessageID(), info)
	}
	resp.Free()
}

// deliver hands a matched response to its request's callback, handling
// Block1 continuation (2.31 Continue), Block2 continuation and Observe
// notifications before finalizing (or, for a still-open block-wise transfer
// or an active subscription, keeping the request tracked instead of
// finalizing it).
func (a *Agent) deliver(pending *Message, resp *Message, info MessageInfo) {
	cb := pending.meta.callbacks

	if resp.Code() == CodeContinue && cb.blockTransmit != nil {
		next, err := a.blockwise.ContinueSend(pending, resp, cb.blockTransmit)
		resp.Free()
		if err != nil {
			a.finalize(pending, nil, ErrAbort)
			return
		}
		a.pending.remove(pending)
		pending.Free()
		if sendErr := a.SendMessage(next, info, nil, SendCallbacks{Handler: cb.handler, BlockTransmit: cb.blockTransmit, BlockReceive: cb.blockReceive}); sendErr != nil {
			if cb.handler != nil {
				cb.handler(nil, ErrAbort)
			}
		}
		return
	}

	if block2, has, err := resp.Options().GetBlock2(); err == nil && has && cb.blockReceive != nil {
		offset := block2.Num * uint32(block2.Size())
		if recvErr := cb.blockReceive(offset, resp.Payload(), block2.More); recvErr != nil {
			a.finalize(pending, nil, ErrAbort)
			resp.Free()
			return
		}
		if block2.More {
			next, err := a.blockwise.NextBlock2Request(pending, resp)
			resp.Free()
			if err != nil {
				a.finalize(pending, nil, ErrAbort)
				return
			}
			a.pending.remove(pending)
			pending.Free()
			if sendErr := a.SendMessage(next, info, nil, SendCallbacks{Handler: cb.handler, BlockTransmit: cb.blockTransmit, BlockReceive: cb.blockReceive}); sendErr != nil {
				if cb.handler != nil {
					cb.handler(nil, ErrAbort)
				}
			}
			return
		}
		a.finalize(pending, resp, ErrNone)
		return
	}

	if pending.meta.observe && IsObserveNotification(resp) {
		if cb.handler != nil {
			cb.handler(resp, ErrNone)
		}
		resp.Free()
		a.rescheduleTimer()
		return
	}

	a.finalize(pending, resp, ErrNone)
}

// finalize dequeues pending, delivers result (and resp, if any, freeing it
// after the callback runs) and rearms the retransmission timer.
func (a *Agent) finalize(pending *Message, resp *Message, result Error) {
	cb := pending.meta.callbacks
	a.pending.remove(pending)
	pending.Free()
	if cb.handler != nil {
		cb.handler(resp, result)
	}
	if resp != nil {
		resp.Free()
	}
	a.rescheduleTimer()
}

// responseWriter is the ResponseWriter a resource/default handler receives
// for exactly one inbound request; it builds the ACK-piggybacked (for a
// confirmable request) or standalone NON response and hands it back to
// SendMessage, reusing the same cache-insertion and transmit path an
// application-initiated send would take.
type responseWriter struct {
	agent *Agent
	req   *Message
	info  MessageInfo
}

func (w *responseWriter) Respond(code Code, payload []byte, opts ...Option) error {
	typ := TypeNonConfirmable
	if w.req.IsConfirmable() {
		typ = TypeAcknowledgement
	}
	resp, err := w.agent.pool.NewMessage(typ, code)
	if err != nil {
		return err
	}
	if err := resp.SetToken(w.req.Token()); err != nil {
		resp.Free()
		return err
	}
	if typ == TypeAcknowledgement {
		resp.SetMessageID(w.req.MessageID())
	}
	for _, o := range opts {
		if err := resp.AddOption(o.Number, o.Value); err != nil {
			resp.Free()
			return err
		}
	}
	resp.SetPayload(payload)
	return w.agent.SendMessage(resp, w.info, nil, SendCallbacks{})
}
