package signalflow

import (
	"encoding/json"
	"fmt"

	"github.com/signalfx/signalfx-go-client/signalflow/messages"
)

// wireEnvelope is the common shape of every JSON control/data frame the
// backend sends, per spec.md §6's server->client control frame forms.
type wireEnvelope struct {
	Type               string                   `json:"type"`
	Channel            string                   `json:"channel"`
	Event              string                   `json:"event"`
	Handle             string                   `json:"handle"`
	Progress           int                      `json:"progress"`
	AbortInfo          map[string]string        `json:"abortInfo"`
	TSID               string                   `json:"tsId"`
	Properties         map[string]interface{}   `json:"properties"`
	TimestampMs        int64                    `json:"timestampMs"`
	LogicalTimestampMs int64                    `json:"logicalTimestampMs"`
	MaxDelayMs         *int64                   `json:"maxDelayMs"`
	MessageCode        string                   `json:"messageCode"`
	Data               []wireDatapoint          `json:"data"`
	Metadata           map[string]interface{}   `json:"metadata"`
	Errors             []string                 `json:"errors"`
	Message            map[string]interface{}   `json:"message"`
	UserID             string                   `json:"userId"`
	OrgID              string                   `json:"orgId"`
}

type wireDatapoint struct {
	TSID  string      `json:"tsId"`
	Value interface{} `json:"value"`
}

// decodeJSONMessage parses one decoded JSON frame body into a
// messages.Message, per the envelope shapes in messages.py and spec.md §6.
func decodeJSONMessage(raw []byte) (messages.Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding signalflow frame: %w", err)
	}
	ch := messages.Channel{Name: env.Channel}

	switch env.Type {
	case "authenticated":
		return &authenticatedMessage{UserID: env.UserID, OrgID: env.OrgID}, nil
	case "control-message":
		return decodeControlMessage(ch, env)
	case "metadata":
		return &messages.MetadataMessage{Channel: ch, TSID: env.TSID, Properties: env.Properties}, nil
	case "expired-tsid":
		return &messages.ExpiredTsidMessage{Channel: ch, TSID: env.TSID}, nil
	case "data":
		return decodeDataMessage(ch, env), nil
	case "event":
		return &messages.EventMessage{
			Channel:       ch,
			TSID:          env.TSID,
			TimestampMs:   env.TimestampMs,
			EventMetadata: env.Metadata,
			Properties:    env.Properties,
		}, nil
	case "message":
		return &messages.InfoMessage{
			Channel:            ch,
			LogicalTimestampMs: env.LogicalTimestampMs,
			MessageCode:        messages.InfoCode(env.MessageCode),
			Payload:            env.Message,
		}, nil
	case "error":
		return &messages.ErrorMessage{Channel: ch, Errors: env.Errors}, nil
	default:
		return nil, fmt.Errorf("unrecognized signalflow frame type %q", env.Type)
	}
}

func decodeControlMessage(ch messages.Channel, env wireEnvelope) (messages.Message, error) {
	switch env.Event {
	case "STREAM_START":
		return &messages.StreamStartMessage{Channel: ch}, nil
	case "JOB_START":
		return &messages.JobStartMessage{Channel: ch, Handle: env.Handle}, nil
	case "JOB_PROGRESS":
		return &messages.JobProgressMessage{Channel: ch, Progress: env.Progress}, nil
	case "ABORT_CHANNEL":
		return &messages.ChannelAbortMessage{
			Channel:     ch,
			AbortState:  env.AbortInfo["sf_job_abortState"],
			AbortReason: env.AbortInfo["sf_job_abortReason"],
		}, nil
	case "END_OF_CHANNEL":
		return &messages.EndOfChannelMessage{Channel: ch}, nil
	default:
		return nil, fmt.Errorf("unrecognized control-message event %q", env.Event)
	}
}

func decodeDataMessage(ch messages.Channel, env wireEnvelope) *messages.DataMessage {
	points := make([]messages.Datapoint, 0, len(env.Data))
	for _, d := range env.Data {
		points = append(points, messages.Datapoint{TSID: d.TSID, Value: d.Value})
	}
	return &messages.DataMessage{
		Channel:            ch,
		LogicalTimestampMs: env.LogicalTimestampMs,
		MaxDelayMs:         env.MaxDelayMs,
		Data:               points,
	}
}

// authenticatedMessage is an internal, transport-only message: it never
// reaches a Channel consumer, only the transport's own readiness gate.
type authenticatedMessage struct {
	UserID string
	OrgID  string
}

func (*authenticatedMessage) Type() string { return "authenticated" }
