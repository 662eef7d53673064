package realtime

import (
	"fmt"
	"testing"
	"time"

	"github.com/bissquit/biwatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func change(facilityID, incidentID string) domain.IncidentChange {
	return domain.IncidentChange{
		Operation:  domain.ChangeOperationUpdate,
		IncidentID: incidentID,
		FacilityID: facilityID,
		Status:     domain.IncidentStatusResolved,
		OccurredAt: time.Now(),
	}
}

func TestHub_DeliversToMatchingFacility(t *testing.T) {
	hub := NewHub()

	fac1, unsub1 := hub.Subscribe("fac-1", "test")
	defer unsub1()
	fac2, unsub2 := hub.Subscribe("fac-2", "test")
	defer unsub2()
	all, unsubAll := hub.Subscribe("", "test")
	defer unsubAll()

	hub.Publish(change("fac-1", "i-1"))

	select {
	case got := <-fac1:
		assert.Equal(t, "i-1", got.IncidentID)
	default:
		t.Fatal("fac-1 subscriber received nothing")
	}

	select {
	case got := <-all:
		assert.Equal(t, "fac-1", got.FacilityID)
	default:
		t.Fatal("wildcard subscriber received nothing")
	}

	select {
	case got := <-fac2:
		t.Fatalf("fac-2 subscriber received %+v", got)
	default:
	}
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	ch, unsub := hub.Subscribe("fac-1", "test")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBuffer*3; i++ {
			hub.Publish(change("fac-1", "i"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, defaultBuffer)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := NewHub()
	ch, unsub := hub.Subscribe("fac-1", "test")
	require.Equal(t, 1, hub.Subscribers())

	unsub()
	unsub()

	assert.Equal(t, 0, hub.Subscribers())
	_, ok := <-ch
	assert.False(t, ok)

	hub.Publish(change("fac-1", "i-1"))
}

func TestHub_NotifySeesEveryChange(t *testing.T) {
	hub := NewHub()
	_, unsubSlow := hub.Subscribe("fac-1", "test")
	defer unsubSlow()

	var got []string
	stop := hub.Notify("test", func(c domain.IncidentChange) {
		got = append(got, c.IncidentID)
	})
	require.Equal(t, 2, hub.Subscribers())

	total := defaultBuffer * 3
	for i := 0; i < total; i++ {
		hub.Publish(change("fac-1", fmt.Sprintf("i-%d", i)))
	}

	require.Len(t, got, total)
	assert.Equal(t, "i-0", got[0])
	assert.Equal(t, fmt.Sprintf("i-%d", total-1), got[total-1])

	stop()
	stop()
	hub.Publish(change("fac-1", "after"))
	assert.Len(t, got, total)
	assert.Equal(t, 1, hub.Subscribers())
}
