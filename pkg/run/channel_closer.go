// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package run

import (
	"context"
	"sync"
)

var nilChannelCloserChan <-chan struct{}

// ChannelCloser coordinates the two sides of a channel during shutdown:
// senders drain first, then receivers are cancelled and waited for.
type ChannelCloser struct {
	ctx      context.Context
	cancel   context.CancelFunc
	sender   sync.WaitGroup
	receiver sync.WaitGroup
	lock     sync.RWMutex
	closed   bool
}

// NewChannelCloser builds a ChannelCloser ready to track senders and
// receivers.
func NewChannelCloser() *ChannelCloser {
	c := &ChannelCloser{}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.sender.Add(1)
	c.receiver.Add(1)
	return c
}

// AddSender registers a running sender. It reports false once the
// closer is closed and the sender must not start.
func (c *ChannelCloser) AddSender() bool {
	if c == nil {
		return false
	}
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.closed {
		return false
	}
	c.sender.Add(1)
	return true
}

// SenderDone marks one sender as finished.
func (c *ChannelCloser) SenderDone() {
	if c == nil {
		return
	}
	c.sender.Done()
}

// AddReceiver registers a running receiver. It reports false once the
// closer is closed and the receiver must not start.
func (c *ChannelCloser) AddReceiver() bool {
	if c == nil {
		return false
	}
	c.lock.RLock()
	defer c.lock.RUnlock()
	if c.closed {
		return false
	}
	c.receiver.Add(1)
	return true
}

// ReceiverDone marks one receiver as finished.
func (c *ChannelCloser) ReceiverDone() {
	if c == nil {
		return
	}
	c.receiver.Done()
}

// CloseNotify returns the channel CloseThenWait closes.
func (c *ChannelCloser) CloseNotify() <-chan struct{} {
	if c == nil {
		return nilChannelCloserChan
	}
	return c.ctx.Done()
}

// CloseThenWait stops accepting new senders, drains the running ones,
// then cancels and waits for the receivers.
func (c *ChannelCloser) CloseThenWait() {
	if c == nil {
		return
	}

	c.lock.Lock()
	c.closed = true
	c.lock.Unlock()

	c.sender.Done()
	c.sender.Wait()

	c.cancel()
	c.receiver.Done()
	c.receiver.Wait()
}

// Closed reports whether CloseThenWait has begun.
func (c *ChannelCloser) Closed() bool {
	if c == nil {
		return true
	}
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.closed
}
