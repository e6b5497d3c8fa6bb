package services

import (
	"encoding/json"
	"fmt"

	"chatstream/models"
)

type FragmentKind string

const (
	FragmentStatus          FragmentKind = "status"
	FragmentFeedbackRequest FragmentKind = "feedback_request"
	FragmentToolOutput      FragmentKind = "tool_output"
	FragmentChunk           FragmentKind = "chunk"
	FragmentCompletion      FragmentKind = "completion"
	FragmentOpaque          FragmentKind = "opaque"
)

// Fragment is the classified form of one stream frame.
type Fragment struct {
	Kind FragmentKind
	// ContentKind is the message kind the fragment materializes as.
	ContentKind models.Kind
	EnvelopeID  string
	Object      string
	IsTerminal  bool
	TextDelta   string
	Frame       models.Frame
}

// Classify decodes one frame payload. It never touches storage. A payload that
// is not JSON or has no object tag is ErrMalformedFrame; an unknown tag is
// classified as opaque.
func Classify(raw []byte) (Fragment, error) {
	var frame models.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Object == "" {
		return Fragment{}, fmt.Errorf("%w: missing object tag", ErrMalformedFrame)
	}

	frag := Fragment{
		EnvelopeID: frame.ID,
		Object:     frame.Object,
		Frame:      frame,
	}
	switch frame.Object {
	case models.ObjectStatus:
		frag.Kind = FragmentStatus
		frag.ContentKind = models.KindStatus
	case models.ObjectFeedbackRequest:
		frag.Kind = FragmentFeedbackRequest
		frag.ContentKind = models.KindFeedbackRequest
	case models.ObjectToolOutput:
		frag.Kind = FragmentToolOutput
		frag.ContentKind = models.KindToolOutput
	case models.ObjectCompletionChunk:
		frag.Kind = FragmentChunk
		frag.ContentKind = chunkKind(frame.Type)
		frag.TextDelta = frame.DeltaContent()
	case models.ObjectCompletion:
		frag.Kind = FragmentCompletion
		frag.ContentKind = completionKind(frame.Type)
		frag.TextDelta = frame.MessageContent()
		frag.IsTerminal = true
	default:
		frag.Kind = FragmentOpaque
	}
	return frag, nil
}

func chunkKind(declared string) models.Kind {
	if declared == string(models.KindThinking) {
		return models.KindThinking
	}
	return models.KindReply
}

func completionKind(declared string) models.Kind {
	switch declared {
	case string(models.KindThinking):
		return models.KindThinking
	case string(models.KindText):
		return models.KindText
	}
	return models.KindReply
}
