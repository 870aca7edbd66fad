package notify_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/changes"
	"crewline/internal/domain"
	"crewline/internal/notify"
)

var (
	creator = domain.ActorRef{ID: "mgr-1", Role: domain.RoleManager}
	emp1    = domain.ActorRef{ID: "emp-1", Role: domain.RoleEmployee}
	emp2    = domain.ActorRef{ID: "emp-2", Role: domain.RoleEmployee}
	lead    = domain.ActorRef{ID: "lead-1", Role: domain.RoleTeamLead}
	admin   = domain.ActorRef{ID: "admin-1", Role: domain.RoleAdmin}
)

func item() domain.WorkItem {
	return domain.WorkItem{ID: "w1", Title: "Audit", Kind: domain.KindTask, Priority: domain.PriorityHigh, CreatedBy: creator, Version: 1}
}

func recipients(intents []domain.NotificationIntent, kind string) []string {
	var ids []string
	for _, in := range intents {
		if in.Kind == kind {
			ids = append(ids, in.Recipient.ID)
		}
	}
	return ids
}

func TestCreatedNotifiesAssigneesAndCreatorOnce(t *testing.T) {
	intents := notify.OnTransition(notify.Event{
		ID:        7,
		Kind:      notify.EventCreated,
		Item:      item(),
		Assignees: []domain.ActorRef{emp1, emp2, creator},
	})
	assert.Equal(t, []string{"emp-1", "emp-2", "mgr-1"}, recipients(intents, notify.KindCreated))
	for _, in := range intents {
		assert.Equal(t, "w1", in.WorkItemID)
		assert.NotEmpty(t, in.ID)
		assert.Equal(t, "7:"+in.Recipient.ID, in.DedupKey)
	}
}

func TestUpdatedNotifiesRemovedActors(t *testing.T) {
	cs := changes.Diff(
		changes.Snapshot{Item: item(), Assignees: []domain.ActorRef{emp1, emp2}},
		changes.Snapshot{Item: item(), Assignees: []domain.ActorRef{emp1, lead}},
	)
	intents := notify.OnTransition(notify.Event{
		ID:        9,
		Kind:      notify.EventUpdated,
		Item:      item(),
		Assignees: []domain.ActorRef{emp1, lead},
		Changes:   &cs,
		Removed:   []domain.ActorRef{emp2},
	})
	assert.Equal(t, []string{"emp-1", "lead-1", "mgr-1"}, recipients(intents, notify.KindUpdated))
	assert.Equal(t, []string{"emp-2"}, recipients(intents, notify.KindUnassigned))

	for _, in := range intents {
		if in.Kind == notify.KindUpdated {
			assert.Equal(t, []string{"lead-1"}, in.Payload["added"])
			assert.Equal(t, []string{"emp-2"}, in.Payload["removed"])
			assert.Equal(t, true, in.Payload["assignees_changed"])
		}
	}
}

func TestDeletedNotifiesEveryCurrentAssignee(t *testing.T) {
	intents := notify.OnTransition(notify.Event{
		ID:        3,
		Kind:      notify.EventDeleted,
		Item:      item(),
		Assignees: []domain.ActorRef{emp1, lead},
	})
	assert.Equal(t, []string{"emp-1", "lead-1", "mgr-1"}, recipients(intents, notify.KindDeleted))
}

func TestStatusChangeNotifiesCreatorOnly(t *testing.T) {
	rec := domain.Assignment{WorkItemID: "w1", Actor: emp1, Status: domain.StatusInProgress}
	intents := notify.OnTransition(notify.Event{
		ID:        11,
		Kind:      notify.EventStatusChanged,
		Item:      item(),
		Record:    &rec,
		From:      domain.StatusPending,
		ChangedBy: emp1,
	})
	require.Len(t, intents, 1)
	assert.Equal(t, "mgr-1", intents[0].Recipient.ID)
	assert.Equal(t, notify.KindStatusChanged, intents[0].Kind)
	assert.Equal(t, "pending", intents[0].Payload["from"])
	assert.Equal(t, "in_progress", intents[0].Payload["to"])
}

func TestCreatorChangingOwnRecordNotifiesNobody(t *testing.T) {
	rec := domain.Assignment{WorkItemID: "w1", Actor: creator, Status: domain.StatusInProgress}
	intents := notify.OnTransition(notify.Event{
		ID:        12,
		Kind:      notify.EventFeedbackSubmitted,
		Item:      item(),
		Record:    &rec,
		ChangedBy: creator,
	})
	assert.Empty(t, intents)
}

func TestApprovalNotifiesRecordOwnerAndCreator(t *testing.T) {
	rec := domain.Assignment{WorkItemID: "w1", Actor: emp1, Status: domain.StatusApproved}
	intents := notify.OnTransition(notify.Event{
		ID:        13,
		Kind:      notify.EventStatusChanged,
		Item:      item(),
		Record:    &rec,
		From:      domain.StatusCompleted,
		ChangedBy: admin,
	})
	assert.Equal(t, []string{"mgr-1", "emp-1"}, recipients(intents, notify.KindStatusChanged))

	// approver is the creator: only the record owner hears about it
	intents = notify.OnTransition(notify.Event{
		ID:        14,
		Kind:      notify.EventStatusChanged,
		Item:      item(),
		Record:    &rec,
		From:      domain.StatusCompleted,
		ChangedBy: creator,
	})
	assert.Equal(t, []string{"emp-1"}, recipients(intents, notify.KindStatusChanged))
}
