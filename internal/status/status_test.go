package status_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/domain"
	"crewline/internal/status"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }
func intPtr(v int) *int       { return &v }

func record(actorID string, role domain.Role, st domain.AssignmentStatus) domain.Assignment {
	return domain.Assignment{
		WorkItemID:    "w1",
		Actor:         domain.ActorRef{ID: actorID, Role: role},
		QuotaAssigned: 3,
		Status:        st,
		AssignedAt:    t0,
		UpdatedAt:     t0,
		Version:       1,
	}
}

func TestApplyHappyPath(t *testing.T) {
	rec := record("emp-1", domain.RoleEmployee, domain.StatusPending)
	actor := rec.Actor

	rec, err := status.Apply(rec, actor, status.Update{Status: domain.StatusInProgress}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, rec.Status)
	assert.Nil(t, rec.CompletedAt)

	rec, err = status.Apply(rec, actor, status.Update{Status: domain.StatusCompleted, QuotaCompleted: intPtr(3)}, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Equal(t, 3, rec.QuotaCompleted)
	require.NotNil(t, rec.CompletedAt)
	assert.Equal(t, t0.Add(3*time.Hour), *rec.CompletedAt)
	assert.Equal(t, t0.Add(3*time.Hour), rec.UpdatedAt)
}

func TestApplyRejectionRequiresFeedback(t *testing.T) {
	rec := record("emp-1", domain.RoleEmployee, domain.StatusInProgress)

	_, err := status.Apply(rec, rec.Actor, status.Update{Status: domain.StatusRejected, Feedback: strPtr("")}, t0)
	var terr domain.TransitionError
	require.True(t, errors.As(err, &terr), "got %v", err)
	assert.Equal(t, domain.StatusRejected, terr.To)

	_, err = status.Apply(rec, rec.Actor, status.Update{Status: domain.StatusRejected}, t0)
	require.True(t, errors.As(err, &terr))

	_, err = status.Apply(rec, rec.Actor, status.Update{Status: domain.StatusRejected, Feedback: strPtr("   ")}, t0)
	require.True(t, errors.As(err, &terr))

	got, err := status.Apply(rec, rec.Actor, status.Update{Status: domain.StatusRejected, Feedback: strPtr("cannot reach client")}, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.Equal(t, "cannot reach client", got.Feedback)
}

func TestApplySelfOnlyForEveryRolePair(t *testing.T) {
	for _, owner := range domain.Roles {
		for _, other := range domain.Roles {
			rec := record("owner", owner, domain.StatusPending)
			intruder := domain.ActorRef{ID: "intruder", Role: other}
			_, err := status.Apply(rec, intruder, status.Update{Status: domain.StatusInProgress}, t0)
			var ferr domain.ForbiddenError
			assert.True(t, errors.As(err, &ferr), "owner=%s intruder=%s: %v", owner, other, err)
		}
	}
}

func TestApplyIdempotentSameStatus(t *testing.T) {
	rec := record("emp-1", domain.RoleEmployee, domain.StatusInProgress)
	rec.SubmittedArtifacts = []domain.ArtifactRef{{URL: "https://f/1", Name: "1"}}

	same, err := status.Apply(rec, rec.Actor, status.Update{Status: domain.StatusInProgress}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, rec, same)

	got, err := status.Apply(rec, rec.Actor, status.Update{
		Status:    domain.StatusInProgress,
		Feedback:  strPtr("note"),
		Artifacts: []domain.ArtifactRef{{URL: "https://f/2", Name: "2"}},
	}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, "note", got.Feedback)
	require.Len(t, got.SubmittedArtifacts, 2)
	assert.Equal(t, "https://f/1", got.SubmittedArtifacts[0].URL)
	assert.Equal(t, "https://f/2", got.SubmittedArtifacts[1].URL)
	assert.Len(t, rec.SubmittedArtifacts, 1, "input record must not be mutated")
}

func TestApplyCompletedAtStampedOnce(t *testing.T) {
	rec := record("emp-1", domain.RoleEmployee, domain.StatusInProgress)
	rec, err := status.Apply(rec, rec.Actor, status.Update{Status: domain.StatusCompleted}, t0.Add(time.Hour))
	require.NoError(t, err)
	first := *rec.CompletedAt

	rec, err = status.Apply(rec, rec.Actor, status.Update{Status: domain.StatusCompleted, Feedback: strPtr("done early")}, t0.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, *rec.CompletedAt)

	manager := domain.ActorRef{ID: "mgr", Role: domain.RoleManager}
	rec, err = status.Approve(rec, manager, nil, t0.Add(9*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, rec.Status)
	assert.Equal(t, first, *rec.CompletedAt)
}

func TestApplyIllegalTransitions(t *testing.T) {
	cases := []struct {
		from, to domain.AssignmentStatus
	}{
		{domain.StatusPending, domain.StatusCompleted},
		{domain.StatusPending, domain.StatusApproved},
		{domain.StatusInProgress, domain.StatusPending},
		{domain.StatusCompleted, domain.StatusInProgress},
		{domain.StatusCompleted, domain.StatusApproved},
		{domain.StatusRejected, domain.StatusInProgress},
		{domain.StatusApproved, domain.StatusCompleted},
		{domain.StatusApproved, domain.StatusPending},
	}
	for _, tc := range cases {
		rec := record("emp-1", domain.RoleEmployee, tc.from)
		_, err := status.Apply(rec, rec.Actor, status.Update{Status: tc.to, Feedback: strPtr("x")}, t0)
		var terr domain.TransitionError
		assert.True(t, errors.As(err, &terr), "%s -> %s: %v", tc.from, tc.to, err)
	}
}

func TestApplyQuotaBounds(t *testing.T) {
	rec := record("emp-1", domain.RoleEmployee, domain.StatusInProgress)
	_, err := status.Apply(rec, rec.Actor, status.Update{Status: domain.StatusInProgress, QuotaCompleted: intPtr(4)}, t0)
	var verr domain.ValidationError
	require.True(t, errors.As(err, &verr))

	got, err := status.Apply(rec, rec.Actor, status.Update{Status: domain.StatusInProgress, QuotaCompleted: intPtr(2)}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, got.QuotaCompleted)
	assert.Equal(t, t0.Add(time.Minute), got.UpdatedAt)
}

func TestApproveAuthority(t *testing.T) {
	rec := record("mgr-1", domain.RoleManager, domain.StatusCompleted)

	_, err := status.Approve(rec, domain.ActorRef{ID: "mgr-2", Role: domain.RoleManager}, nil, t0)
	var ferr domain.ForbiddenError
	require.True(t, errors.As(err, &ferr))

	_, err = status.Approve(rec, domain.ActorRef{ID: "lead", Role: domain.RoleTeamLead}, nil, t0)
	require.True(t, errors.As(err, &ferr))

	got, err := status.Approve(rec, domain.ActorRef{ID: "admin", Role: domain.RoleAdmin}, strPtr("great work"), t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, got.Status)
	assert.Equal(t, "great work", got.Feedback)

	again, err := status.Approve(got, domain.ActorRef{ID: "admin", Role: domain.RoleAdmin}, nil, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, got, again)

	pending := record("emp", domain.RoleEmployee, domain.StatusInProgress)
	_, err = status.Approve(pending, domain.ActorRef{ID: "admin", Role: domain.RoleAdmin}, nil, t0)
	var terr domain.TransitionError
	assert.True(t, errors.As(err, &terr))
}
