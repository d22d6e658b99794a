package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"internflow/internal/dispatch"
	"internflow/internal/metrics"
	"internflow/internal/search"
	"internflow/internal/workflow"
)

type mockSNS struct {
	input *sns.PublishInput
	err   error
}

func (m *mockSNS) Publish(_ context.Context, params *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.input = params
	if m.err != nil {
		return nil, m.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

type fakeRequests map[string]workflow.Request

func (f fakeRequests) GetRequest(_ context.Context, id string) (workflow.Request, error) {
	req, ok := f[id]
	if !ok {
		return workflow.Request{}, workflow.NotFound("placement request not found")
	}
	return req, nil
}

type fakeIndexer struct {
	records []search.RequestRecord
	err     error
}

func (f *fakeIndexer) IndexRequest(_ context.Context, record search.RequestRecord) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, record)
	return nil
}

func statusJob(requestID string) dispatch.Job {
	return dispatch.Job{ID: "job-1", Intent: workflow.Intent{
		Kind: workflow.IntentStatusChanged,
		Status: &workflow.StatusChange{
			RequestID: requestID,
			From:      workflow.StatusCommitteeReview,
			To:        workflow.StatusApproved,
			Action:    workflow.ActionCommitteeDecide,
			ActorID:   "C2",
			Round:     1,
			At:        time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		},
	}}
}

func TestSNSPublisherPublish(t *testing.T) {
	client := &mockSNS{}
	publisher := NewSNSPublisherWithClient(client, "arn:aws:sns:eu-west-1:123456789012:placements")

	require.NoError(t, publisher.Publish(context.Background(), *statusJob("REQ-1").Intent.Status))
	require.NotNil(t, client.input)
	assert.Equal(t, "arn:aws:sns:eu-west-1:123456789012:placements", aws.ToString(client.input.TopicArn))
	assert.Equal(t, "placement.approved", aws.ToString(client.input.Subject))
	assert.Equal(t, "approved", aws.ToString(client.input.MessageAttributes["status"].StringValue))

	var body workflow.StatusChange
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(client.input.Message)), &body))
	assert.Equal(t, "REQ-1", body.RequestID)
	assert.Equal(t, workflow.StatusApproved, body.To)
}

func TestProjectorIndexesCurrentStateAndPublishes(t *testing.T) {
	requests := fakeRequests{"REQ-1": {ID: "REQ-1", Status: workflow.StatusSupervisorAssigned, Round: 1}}
	indexer := &fakeIndexer{}
	client := &mockSNS{}
	p := NewProjector(requests, indexer, NewSNSPublisherWithClient(client, "arn"), zaptest.NewLogger(t))

	require.NoError(t, p.Handle(context.Background(), statusJob("REQ-1")))
	require.Len(t, indexer.records, 1)
	assert.Equal(t, string(workflow.StatusSupervisorAssigned), indexer.records[0].Status)
	assert.NotNil(t, client.input)
}

func TestProjectorFailures(t *testing.T) {
	requests := fakeRequests{"REQ-1": {ID: "REQ-1"}}

	p := NewProjector(requests, &fakeIndexer{}, nil, zaptest.NewLogger(t))
	err := p.Handle(context.Background(), statusJob("REQ-404"))
	assert.True(t, dispatch.IsPermanent(err))

	p = NewProjector(requests, &fakeIndexer{err: errors.New("index down")}, nil, zaptest.NewLogger(t))
	err = p.Handle(context.Background(), statusJob("REQ-1"))
	assert.ErrorIs(t, err, workflow.ErrDownstreamUnavailable)
	assert.False(t, dispatch.IsPermanent(err))

	p = NewProjector(requests, nil, NewSNSPublisherWithClient(&mockSNS{err: errors.New("throttled")}, "arn"), zaptest.NewLogger(t))
	err = p.Handle(context.Background(), statusJob("REQ-1"))
	assert.ErrorIs(t, err, workflow.ErrDownstreamUnavailable)
}

func TestProjectorWithoutSinksIsNoop(t *testing.T) {
	p := NewProjector(fakeRequests{}, nil, nil, nil)
	assert.NoError(t, p.Handle(context.Background(), statusJob("REQ-404")))
}

func TestProjectorCountsOnlyDeliveredChanges(t *testing.T) {
	approved := metrics.StatusChangesTotal.WithLabelValues(string(workflow.StatusApproved))
	before := testutil.ToFloat64(approved)

	indexer := &fakeIndexer{err: errors.New("index down")}
	p := NewProjector(fakeRequests{"REQ-1": {ID: "REQ-1"}}, indexer, nil, zaptest.NewLogger(t))

	require.Error(t, p.Handle(context.Background(), statusJob("REQ-1")))
	assert.Equal(t, before, testutil.ToFloat64(approved), "a failed attempt must not count")

	indexer.err = nil
	require.NoError(t, p.Handle(context.Background(), statusJob("REQ-1")))
	assert.Equal(t, before+1, testutil.ToFloat64(approved))
}
