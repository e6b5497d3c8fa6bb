package services

import (
	"encoding/json"
	"testing"
	"time"

	"chatstream/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func msg(seq int64, id string, role models.Role, kind models.Kind, parent, content string) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: "conv",
		SequenceNumber: seq,
		Role:           role,
		Kind:           kind,
		ParentID:       parent,
		Content:        content,
		CreatedAt:      baseTime.Add(time.Duration(seq) * time.Second),
	}
}

func withPayload(m models.Message, p models.Payload) models.Message {
	m.Payload = p
	return m
}

func exchangeMessages() []models.Message {
	return []models.Message{
		msg(1, "u1", models.RoleUser, models.KindText, "", "What medication?"),
		withPayload(msg(2, "s1", models.RoleAssistant, models.KindStatus, "u1", ""),
			models.StatusPayload{Status: "searching"}),
		withPayload(msg(3, "t1", models.RoleAssistant, models.KindToolOutput, "u1", ""),
			models.ToolOutputPayload{ToolName: "drug_lookup", Body: json.RawMessage(`{"drug":"aspirin"}`)}),
		msg(4, "th1", models.RoleAssistant, models.KindThinking, "u1", "considering"),
		msg(5, "r1", models.RoleAssistant, models.KindReply, "u1", "Take aspirin."),
	}
}

func TestGroupMessages_AnchorsOnReply(t *testing.T) {
	groups := GroupMessages(exchangeMessages())
	require.Len(t, groups, 2)

	assert.Equal(t, "u1", groups[0].ID)
	assert.Empty(t, groups[0].StatusTimeline)

	anchor := groups[1]
	assert.Equal(t, "r1", anchor.ID)
	require.Len(t, anchor.StatusTimeline, 1)
	assert.Equal(t, "s1", anchor.StatusTimeline[0].ID)
	assert.Equal(t, "searching", anchor.StatusTimeline[0].Status.Status)
	require.Len(t, anchor.ToolOutputs, 1)
	assert.Equal(t, "t1", anchor.ToolOutputs[0].MessageID)
	assert.Equal(t, "drug_lookup", anchor.ToolOutputs[0].ToolName)
	assert.Equal(t, "considering", anchor.ThinkingContent)
	assert.Equal(t, "th1", anchor.ThinkingMessageID)
}

func TestGroupMessages_IsIdempotent(t *testing.T) {
	msgs := exchangeMessages()
	first := GroupMessages(msgs)
	second := GroupMessages(msgs)
	assert.Equal(t, first, second)
}

func TestGroupMessages_OrdersBySequenceNotInput(t *testing.T) {
	msgs := exchangeMessages()
	reversed := make([]models.Message, len(msgs))
	for i, m := range msgs {
		reversed[len(msgs)-1-i] = m
	}
	assert.Equal(t, GroupMessages(msgs), GroupMessages(reversed))
}

func TestGroupMessages_TimestampsDoNotAffectOrder(t *testing.T) {
	msgs := exchangeMessages()
	msgs[0].CreatedAt = baseTime.Add(time.Hour)

	groups := GroupMessages(msgs)
	assert.Equal(t, "u1", groups[0].ID)
}

func TestGroupMessages_FeedbackResolution(t *testing.T) {
	request := withPayload(msg(2, "fr1", models.RoleAssistant, models.KindFeedbackRequest, "u1", ""),
		models.FeedbackRequestPayload{FeedbackID: "F", Question: "Adult or child?", TimeoutSeconds: 300})
	reply := msg(4, "r1", models.RoleAssistant, models.KindReply, "u1", "Adult dose is 500mg.")
	user := msg(1, "u1", models.RoleUser, models.KindText, "", "Dose?")

	t.Run("answered", func(t *testing.T) {
		answer := withPayload(msg(3, "uf1", models.RoleUser, models.KindUserFeedback, "u1", "Adult"),
			models.UserFeedbackPayload{OriginalFeedbackID: "F"})

		groups := GroupMessages([]models.Message{user, request, answer, reply})
		require.Len(t, groups, 2)
		anchor := groups[1]
		require.Len(t, anchor.StatusTimeline, 2)

		entry := anchor.StatusTimeline[0]
		assert.Equal(t, "fr1", entry.ID)
		require.NotNil(t, entry.Submitted)
		assert.True(t, *entry.Submitted)
		assert.Equal(t, "Adult", entry.UserSubmittedContent)
		require.NotNil(t, entry.SubmittedAt)
		assert.Equal(t, answer.CreatedAt, *entry.SubmittedAt)

		require.Len(t, anchor.Feedback, 1)
		assert.Equal(t, "F", anchor.Feedback[0].OriginalFeedbackID)
	})

	t.Run("unanswered", func(t *testing.T) {
		groups := GroupMessages([]models.Message{user, request, reply})
		require.Len(t, groups, 2)
		entry := groups[1].StatusTimeline[0]
		require.NotNil(t, entry.Submitted)
		assert.False(t, *entry.Submitted)
		assert.Empty(t, entry.UserSubmittedContent)
		assert.Nil(t, entry.SubmittedAt)
		assert.Empty(t, groups[1].Feedback)
	})
}

func TestGroupMessages_DanglingParentIsKept(t *testing.T) {
	msgs := []models.Message{
		msg(1, "u1", models.RoleUser, models.KindText, "", "hi"),
		msg(2, "r1", models.RoleAssistant, models.KindReply, "missing", "orphan reply"),
	}

	groups := GroupMessages(msgs)
	require.Len(t, groups, 2)
	assert.Equal(t, "r1", groups[1].ID)
}

func TestGroupMessages_StatusOnlyBucketAnchorsOnFirstAssistant(t *testing.T) {
	msgs := []models.Message{
		msg(1, "u1", models.RoleUser, models.KindText, "", "hi"),
		withPayload(msg(2, "s1", models.RoleAssistant, models.KindStatus, "u1", ""), models.StatusPayload{Status: "a"}),
		withPayload(msg(3, "s2", models.RoleAssistant, models.KindStatus, "u1", ""), models.StatusPayload{Status: "b"}),
	}

	groups := GroupMessages(msgs)
	require.Len(t, groups, 2)
	assert.Equal(t, "s1", groups[1].ID)
	require.Len(t, groups[1].StatusTimeline, 1)
	assert.Equal(t, "s2", groups[1].StatusTimeline[0].ID)
}

func TestGroupMessages_TextCompletionAnchorsAfterStatus(t *testing.T) {
	msgs := []models.Message{
		msg(1, "u1", models.RoleUser, models.KindText, "", "hi"),
		withPayload(msg(2, "s1", models.RoleAssistant, models.KindStatus, "u1", ""), models.StatusPayload{Status: "searching"}),
		msg(3, "t1", models.RoleAssistant, models.KindText, "u1", "Plain answer."),
	}

	groups := GroupMessages(msgs)
	require.Len(t, groups, 2)
	assert.Equal(t, "t1", groups[1].ID)
	require.Len(t, groups[1].StatusTimeline, 1)
	assert.Equal(t, "s1", groups[1].StatusTimeline[0].ID)
}

func TestGroupMessages_ReplyOutranksTextAsAnchor(t *testing.T) {
	msgs := []models.Message{
		msg(1, "u1", models.RoleUser, models.KindText, "", "hi"),
		msg(2, "t1", models.RoleAssistant, models.KindText, "u1", "text"),
		msg(3, "r1", models.RoleAssistant, models.KindReply, "u1", "reply"),
	}

	groups := GroupMessages(msgs)
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"u1", "t1", "r1"}, []string{groups[0].ID, groups[1].ID, groups[2].ID})
	assert.Equal(t, models.KindReply, groups[2].Kind)
}

func TestGroupMessages_ExtraRepliesStandalone(t *testing.T) {
	msgs := []models.Message{
		msg(1, "u1", models.RoleUser, models.KindText, "", "hi"),
		msg(2, "r1", models.RoleAssistant, models.KindReply, "u1", "one"),
		msg(3, "r2", models.RoleAssistant, models.KindReply, "u1", "two"),
	}

	groups := GroupMessages(msgs)
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"u1", "r1", "r2"}, []string{groups[0].ID, groups[1].ID, groups[2].ID})
}

func TestGroupMessages_EmptySlicesNotNil(t *testing.T) {
	groups := GroupMessages([]models.Message{msg(1, "u1", models.RoleUser, models.KindText, "", "hi")})
	require.Len(t, groups, 1)

	data, err := json.Marshal(groups[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"grouped_status_data":[]`)
}

func TestGroupPage(t *testing.T) {
	var msgs []models.Message
	for i := int64(1); i <= 5; i++ {
		msgs = append(msgs, msg(i, string(rune('a'+i-1)), models.RoleUser, models.KindText, "", "m"))
	}

	page := GroupPage(msgs, 1, 2)
	require.Len(t, page, 2)
	assert.Equal(t, "b", page[0].ID)
	assert.Equal(t, "c", page[1].ID)

	assert.Len(t, GroupPage(msgs, 0, 0), 5)
	assert.Len(t, GroupPage(msgs, 4, 10), 1)
	assert.NotNil(t, GroupPage(msgs, 10, 10))
	assert.Empty(t, GroupPage(msgs, 10, 10))
}
