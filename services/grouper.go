package services

import (
	"sort"

	"chatstream/models"
)

// GroupMessages rebuilds the display view of a conversation from its flat
// message list. It is a pure function of its input: order comes from sequence
// numbers alone, ties fall back to input order, and no message is dropped.
func GroupMessages(msgs []models.Message) []models.DisplayGroup {
	type ordered struct {
		group models.DisplayGroup
		index int
	}

	var (
		out     []ordered
		buckets = make(map[string][]int)
		parents []string
	)
	for i, m := range msgs {
		if !attachable(m) {
			out = append(out, ordered{group: newDisplayGroup(m), index: i})
			continue
		}
		if _, ok := buckets[m.ParentID]; !ok {
			parents = append(parents, m.ParentID)
		}
		buckets[m.ParentID] = append(buckets[m.ParentID], i)
	}

	for _, parent := range parents {
		members := buckets[parent]
		sort.SliceStable(members, func(a, b int) bool {
			return msgs[members[a]].SequenceNumber < msgs[members[b]].SequenceNumber
		})

		anchorIdx := pickAnchor(msgs, members)
		group := newDisplayGroup(msgs[anchorIdx])
		for _, idx := range members {
			if idx == anchorIdx {
				continue
			}
			if !nest(&group, msgs[idx], msgs, members) {
				// No slot for this kind under an anchor; show it on its own.
				out = append(out, ordered{group: newDisplayGroup(msgs[idx]), index: idx})
			}
		}
		out = append(out, ordered{group: group, index: anchorIdx})
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].group.SequenceNumber, out[j].group.SequenceNumber
		if si != sj {
			return si < sj
		}
		return out[i].index < out[j].index
	})

	groups := make([]models.DisplayGroup, len(out))
	for i, o := range out {
		groups[i] = o.group
	}
	return groups
}

// GroupPage groups msgs and then applies skip/limit to the ordered groups.
// A non-positive limit returns everything after skip.
func GroupPage(msgs []models.Message, skip, limit int) []models.DisplayGroup {
	groups := GroupMessages(msgs)
	if skip < 0 {
		skip = 0
	}
	if skip >= len(groups) {
		return []models.DisplayGroup{}
	}
	end := len(groups)
	if limit > 0 && skip+limit < end {
		end = skip + limit
	}
	return groups[skip:end]
}

// attachable messages are nested under their parent's group; everything else
// is shown standalone.
func attachable(m models.Message) bool {
	if m.ParentID == "" {
		return false
	}
	return m.Role == models.RoleAssistant ||
		(m.Role == models.RoleUser && m.Kind == models.KindUserFeedback)
}

// pickAnchor prefers an assistant reply, then assistant text, then any
// assistant message.
func pickAnchor(msgs []models.Message, members []int) int {
	for _, kind := range []models.Kind{models.KindReply, models.KindText} {
		for _, idx := range members {
			if msgs[idx].Role == models.RoleAssistant && msgs[idx].Kind == kind {
				return idx
			}
		}
	}
	for _, idx := range members {
		if msgs[idx].Role == models.RoleAssistant {
			return idx
		}
	}
	return members[0]
}

func newDisplayGroup(m models.Message) models.DisplayGroup {
	return models.DisplayGroup{
		Message:        m,
		StatusTimeline: []models.TimelineEntry{},
		Feedback:       []models.TimelineEntry{},
		ToolOutputs:    []models.ToolOutputEntry{},
	}
}

// nest attaches m to group and reports whether its kind has a slot.
func nest(group *models.DisplayGroup, m models.Message, msgs []models.Message, members []int) bool {
	switch m.Kind {
	case models.KindStatus:
		entry := timelineEntry(m)
		if p, ok := m.Payload.(models.StatusPayload); ok {
			entry.Status = &p
		}
		group.StatusTimeline = append(group.StatusTimeline, entry)

	case models.KindFeedbackRequest:
		entry := timelineEntry(m)
		submitted := false
		if p, ok := m.Payload.(models.FeedbackRequestPayload); ok {
			entry.FeedbackRequest = &p
			if answer, found := findAnswer(p.FeedbackID, msgs, members); found {
				submitted = true
				at := answer.CreatedAt
				entry.UserSubmittedContent = answer.Content
				entry.SubmittedAt = &at
			}
		}
		entry.Submitted = &submitted
		group.StatusTimeline = append(group.StatusTimeline, entry)

	case models.KindUserFeedback:
		entry := timelineEntry(m)
		entry.Content = m.Content
		if p, ok := m.Payload.(models.UserFeedbackPayload); ok {
			entry.OriginalFeedbackID = p.OriginalFeedbackID
		}
		group.StatusTimeline = append(group.StatusTimeline, entry)
		group.Feedback = append(group.Feedback, entry)

	case models.KindToolOutput:
		entry := models.ToolOutputEntry{
			MessageID:      m.ID,
			SequenceNumber: m.SequenceNumber,
			CreatedAt:      m.CreatedAt,
		}
		if p, ok := m.Payload.(models.ToolOutputPayload); ok {
			entry.ToolName = p.ToolName
			entry.Body = p.Body
		}
		group.ToolOutputs = append(group.ToolOutputs, entry)

	case models.KindThinking:
		if m.Content != "" {
			group.ThinkingContent = m.Content
			group.ThinkingMessageID = m.ID
		}

	default:
		return false
	}
	return true
}

func timelineEntry(m models.Message) models.TimelineEntry {
	return models.TimelineEntry{
		ID:             m.ID,
		Kind:           m.Kind,
		SequenceNumber: m.SequenceNumber,
		CreatedAt:      m.CreatedAt,
	}
}

// findAnswer returns the first user feedback in the bucket that answers feedbackID.
func findAnswer(feedbackID string, msgs []models.Message, members []int) (models.Message, bool) {
	if feedbackID == "" {
		return models.Message{}, false
	}
	for _, idx := range members {
		m := msgs[idx]
		if m.Kind != models.KindUserFeedback {
			continue
		}
		if p, ok := m.Payload.(models.UserFeedbackPayload); ok && p.OriginalFeedbackID == feedbackID {
			return m, true
		}
	}
	return models.Message{}, false
}
