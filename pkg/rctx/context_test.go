// Copyright 2025 The Uciforge Authors
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

package rctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferedReplayToFirstSubscriberOnly(t *testing.T) {
	ctx := NewBuffered()

	ctx.Send(NewLog("p", "a", LogRegular, "one", 1))
	ctx.Send(NewLog("p", "a", LogRegular, "two", 2))

	first, unsubFirst := ctx.AttachSubscriber()
	defer unsubFirst()

	require.Len(t, first, 2)
	e1 := <-first
	e2 := <-first
	assert.Equal(t, "one", e1.Text)
	assert.Equal(t, "two", e2.Text)

	second, unsubSecond := ctx.AttachSubscriber()
	defer unsubSecond()
	assert.Len(t, second, 0, "second subscriber must not see the pre-attach buffer")

	ctx.Send(NewLog("p", "a", LogRegular, "live", 3))
	select {
	case e := <-second:
		assert.Equal(t, "live", e.Text)
	case <-time.After(time.Second):
		t.Fatal("second subscriber never saw the live event")
	}
}

func TestUnbufferedSendWithNoSubscribersDropsSilently(t *testing.T) {
	ctx := New()
	ctx.Send(NewLog("p", "a", LogRegular, "gone", 1))
	assert.False(t, ctx.HasSubscribers())

	sub, unsub := ctx.AttachSubscriber()
	defer unsub()
	assert.Len(t, sub, 0)
}

func TestAllAttachedSubscribersObserveSameOrder(t *testing.T) {
	ctx := New()
	subA, unsubA := ctx.AttachSubscriber()
	defer unsubA()
	subB, unsubB := ctx.AttachSubscriber()
	defer unsubB()

	for i := 0; i < 5; i++ {
		ctx.Send(NewJobProgress("p", "job", i))
	}

	for i := 0; i < 5; i++ {
		ea := <-subA
		eb := <-subB
		require.Equal(t, *ea.Step, *eb.Step)
		assert.Equal(t, i, *ea.Step)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	ctx := New()
	sub, unsub := ctx.AttachSubscriber()
	unsub()

	_, ok := <-sub
	assert.False(t, ok)
}

func TestHeartbeatIsObservedByAttachedSubscriber(t *testing.T) {
	ctx := New()
	sub, unsub := ctx.AttachSubscriber()
	defer unsub()

	ctx.Heartbeat()
	select {
	case e := <-sub:
		assert.Equal(t, EventHeartbeat, e.Type)
	case <-time.After(time.Second):
		t.Fatal("heartbeat not observed")
	}
}
