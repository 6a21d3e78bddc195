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

// RequestHandler processes an inbound request for a registered resource.
// info is the request's IPv6-level carry; w lets the handler synthesize
// and send a response through the owning Agent.
type RequestHandler func(req *Message, info MessageInfo, w ResponseWriter)

// ResponseWriter is the minimal surface a RequestHandler needs to answer
// a request: build and send a response tied to the inbound request's
// token, type and peer.
type ResponseWriter interface {
	// Respond sends code/payload as the response to the request that
	// produced this writer, piggy-backed on an ACK if the request was
	// confirmable.
	Respond(code Code, payload []byte, opts ...Option) error
}

// Resource is one entry in the agent's URI-path dispatch table
// (spec.md §3), linked intrusively the same way pending requests are.
type Resource struct {
	URIPath string
	Handler RequestHandler

	// BlockReceive/BlockTransmit are set on the block-wise resource
	// variant (spec.md §3): a resource that accepts/produces bodies
	// larger than one packet supplies these instead of relying solely
	// on Handler to see the whole body at once.
	BlockReceive  BlockReceiveHook
	BlockTransmit BlockTransmitHook

	next *Resource
}

// resourceList is the intrusive linked list of registered Resources.
type resourceList struct {
	head *Resource
}

func (l *resourceList) add(r *Resource) {
	r.next = l.head
	l.head = r
}

func (l *resourceList) remove(uriPath string) bool {
	var prev *Resource
	cur := l.head
	for cur != nil {
		if cur.URIPath == uriPath {
			if prev == nil {
				l.head = cur.next
			} else {
				prev.next = cur.next
			}
			cur.next = nil
			return true
		}
		prev = cur
		cur = cur.next
	}
	return false
}

func (l *resourceList) find(uriPath string) *Resource {
	for cur := l.head; cur != nil; cur = cur.next {
		if cur.URIPath == uriPath {
			return cur
		}
	}
	return nil
}
