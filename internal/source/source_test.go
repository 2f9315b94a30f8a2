package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/xpflow/internal/event"
)

func TestCRM_Normalize(t *testing.T) {
	body := []byte(`[
	  {"eventId": 1001, "subscriptionType": "object.propertyChange", "portalId": 62515, "occurredAt": 1715302800000,
	   "objectId": 777, "propertyName": "hs_call_disposition", "propertyValue": "f240bbac", "sourceId": "userId:9001"},
	  {"eventId": 1002, "subscriptionType": "object.propertyChange", "portalId": 62515, "occurredAt": 1715302800000,
	   "objectId": 778, "propertyName": "phone", "propertyValue": "0312345678"},
	  {"eventId": 1003, "subscriptionType": "deal.propertyChange", "portalId": 62515, "occurredAt": 1715302900000,
	   "objectId": 779, "propertyName": "dealstage", "propertyValue": "appointmentscheduled", "sourceId": "API"}
	]`)

	events, err := NewCRM([]string{"hs_call_disposition", "DealStage"}).Normalize(body)
	require.NoError(t, err)
	require.Len(t, events, 2)

	first := events[0]
	assert.Equal(t, event.SourceCRM, first.Source)
	assert.Equal(t, "1001", first.ID)
	assert.Equal(t, "crm:1001", first.Key())
	assert.Equal(t, event.KindAppointment, first.Kind)
	assert.Equal(t, "777", first.SubjectID)
	assert.Equal(t, "f240bbac", first.Outcome)
	assert.Equal(t, "62515", first.Tenant)
	assert.Equal(t, "9001", first.Hints.OwnerID)
	assert.Equal(t, time.UnixMilli(1715302800000).UTC(), first.OccurredAt)

	assert.Equal(t, "appointmentscheduled", events[1].Outcome)
	assert.Empty(t, events[1].Hints.OwnerID, "non-user source ids carry no owner")
}

func TestCRM_SingleObjectAndMalformed(t *testing.T) {
	c := NewCRM([]string{"hs_call_disposition"})
	events, err := c.Normalize([]byte(`{"eventId": 5, "propertyName": "hs_call_disposition", "propertyValue": "Callback"}`))
	require.NoError(t, err)
	require.Len(t, events, 1)

	_, err = c.Normalize([]byte(`[{"eventId": `))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestTelephony_SingleCall(t *testing.T) {
	body := []byte(`{
	  "event": "phone.callee_call_log_completed",
	  "event_ts": 1715302800000,
	  "payload": {
	    "account_id": "acc-1",
	    "object": {
	      "id": "log-1", "call_id": "call-1", "duration": 620, "result": "Call connected",
	      "callee_email": "Taro@Example.com", "caller_email": "customer@example.net",
	      "date_time": "2024-05-10T01:00:00Z"
	    }
	  }
	}`)
	events, err := Telephony{}.Normalize(body)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "telephony:log-1", ev.Key())
	assert.Equal(t, event.KindCall, ev.Kind)
	assert.Equal(t, int64(620000), ev.DurationMs)
	assert.Equal(t, "Call connected", ev.Outcome)
	assert.Equal(t, "Taro@Example.com", ev.Hints.Email)
	assert.Equal(t, "acc-1", ev.Tenant)
	assert.Equal(t, time.Date(2024, 5, 10, 1, 0, 0, 0, time.UTC), ev.OccurredAt)
}

func TestTelephony_CallLogsArray(t *testing.T) {
	body := []byte(`{
	  "event": "phone.caller_call_log_completed",
	  "event_ts": 1715302800000,
	  "payload": {"account_id": "acc-1", "object": {"call_logs": [
	    {"call_id": "c1", "duration_ms": 0, "status": "no_answer", "caller_email": "hanako@example.com"},
	    {"call_id": "c2", "duration": 30.5, "owner": {"id": "9001", "name": "Hanako Sato"}},
	    {"result": "ignored without ids"}
	  ]}}
	}`)
	events, err := Telephony{}.Normalize(body)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, "c1", events[0].ID)
	assert.Equal(t, "no_answer", events[0].Outcome)
	assert.Zero(t, events[0].DurationMs)
	assert.Equal(t, "hanako@example.com", events[0].Hints.Email)
	assert.Equal(t, time.UnixMilli(1715302800000).UTC(), events[0].OccurredAt)

	assert.Equal(t, int64(30500), events[1].DurationMs)
	assert.Equal(t, "9001", events[1].Hints.OwnerID)
	assert.Equal(t, "Hanako Sato", events[1].Hints.SpokenName)
}

func TestTelephony_Malformed(t *testing.T) {
	_, err := Telephony{}.Normalize([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)
}
