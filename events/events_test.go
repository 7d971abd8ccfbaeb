// Copyright 2025 The ordo-sync Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTopic_PublishReachesAllSubscribers(t *testing.T) {
	topic := NewTopic[int](nil)

	var mu sync.Mutex
	got := map[string][]int{}
	var wg sync.WaitGroup

	for _, name := range []string{"a", "b"} {
		name := name
		topic.Subscribe(func(v int) {
			defer wg.Done()
			mu.Lock()
			got[name] = append(got[name], v)
			mu.Unlock()
		})
	}

	wg.Add(4)
	topic.Publish(1)
	topic.Publish(2)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.ElementsMatch(t, []int{1, 2}, got["a"])
	require.ElementsMatch(t, []int{1, 2}, got["b"])
}

func TestTopic_UnsubscribeStopsDelivery(t *testing.T) {
	topic := NewTopic[string](nil)

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 1)
	unsub := topic.Subscribe(func(v string) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
		done <- struct{}{}
	})

	topic.Publish("first")
	<-done
	unsub()
	require.Equal(t, 0, topic.Len())

	topic.Publish("second")
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"first"}, got)
}

func TestTopic_PanickingSubscriberIsIsolated(t *testing.T) {
	topic := NewTopic[int](nil)

	topic.Subscribe(func(int) { panic("boom") })

	delivered := make(chan int, 1)
	topic.Subscribe(func(v int) { delivered <- v })

	topic.Publish(7)

	select {
	case v := <-delivered:
		require.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber never received the event")
	}
}

func TestTopic_PublishWithNoSubscribersIsNoop(t *testing.T) {
	topic := NewTopic[struct{}](nil)
	topic.Publish(struct{}{})
	require.Equal(t, 0, topic.Len())
}
