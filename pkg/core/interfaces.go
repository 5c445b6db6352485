// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

package core

import (
	"context"
	"time"
)

// Listener receives the live state of one channel. Callbacks are always
// invoked from the delivery context, never concurrently with each other.
type Listener interface {
	OnValue(v any)
	OnConnectionState(connected bool)
	OnSeverity(s Severity)
}

// WriteAccessListener is implemented by listeners that care whether the
// channel currently accepts writes.
type WriteAccessListener interface {
	OnWriteAccess(writable bool)
}

// MetadataListener is implemented by listeners that display units, limits
// or enum strings.
type MetadataListener interface {
	OnMetadata(m Metadata)
}

// ErrorListener receives runtime errors that belong to a subscription, such
// as an asynchronous write failure or a calc evaluation error.
type ErrorListener interface {
	OnError(err error)
}

// SourceSink is what a Source calls back into. Calls may arrive on any
// goroutine at any rate.
type SourceSink interface {
	Listener
	WriteAccessListener
	MetadataListener
}

// SourceHandle is an opaque per-channel handle owned by a Source.
type SourceHandle any

// Source is an external data source such as a PV client or a message broker.
type Source interface {
	Connect(ctx context.Context, payload string) (SourceHandle, error)
	Subscribe(h SourceHandle, sink SourceSink) error
	// Write forwards v to the source. onComplete, if non-nil, is called at
	// most once when the source acknowledges or rejects the write.
	Write(ctx context.Context, h SourceHandle, v any, onComplete func(error)) error
	Disconnect(ctx context.Context, h SourceHandle) error
}

// Keyer is implemented by sources whose payloads need normalising before
// they can be used to deduplicate connections.
type Keyer interface {
	ConnectionKey(payload string) (string, error)
}

// Starter and Stopper are implemented by sources and plugins that own a
// shared client, started once for the lifetime of the process.
type Starter interface {
	Start(ctx context.Context) error
}

type Stopper interface {
	Stop(ctx context.Context) error
}

// Poster hands work to the delivery context. Post never blocks and tasks run
// in the order they were posted.
type Poster interface {
	Post(task func())
}

// Connection is the shared, reference-counted link to one data source for
// one key.
type Connection interface {
	Protocol() string
	Key() string
	State() State
	AddListener(id string, l Listener) error
	RemoveListener(id string)
	ListenerCount() int
	Write(ctx context.Context, v any, done func(error)) error
	Close(ctx context.Context) error
}

// Plugin creates connections for one address scheme.
type Plugin interface {
	Protocol() string
	ConnectionKey(payload string) (string, error)
	NewConnection(ctx context.Context, key, payload string, poster Poster) (Connection, error)
}

// Subscription is one listener's registration on a connection.
type Subscription interface {
	ID() string
	Address() Address
	Connection() Connection
	Write(ctx context.Context, v any) error
	WriteAndWait(ctx context.Context, v any, timeout time.Duration) error
	Done() <-chan struct{}
}

// Dispatcher resolves channel addresses to shared connections.
type Dispatcher interface {
	Subscribe(ctx context.Context, l Listener, address string) (Subscription, error)
	Unsubscribe(ctx context.Context, sub Subscription) error
}

// Entrypoint exposes the dispatcher to remote displays.
type Entrypoint interface {
	Name() string
	Type() string
	Start(ctx context.Context, dispatcher Dispatcher) error
	Stop(ctx context.Context) error
}
