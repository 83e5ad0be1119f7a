package protocol

import (
	"strings"

	"github.com/bytedance/sonic"

	platformerrors "voicecall-server-go/internal/platform/errors"
)

// Response is the JSON body of a server-response frame.
type Response struct {
	AudioInfo struct {
		Duration int `json:"duration"`
	} `json:"audio_info"`
	Result Result `json:"result"`
	Error  string `json:"error,omitempty"`
}

type Result struct {
	Text       string      `json:"text"`
	Utterances []Utterance `json:"utterances,omitempty"`
}

type Utterance struct {
	Text      string `json:"text"`
	Definite  bool   `json:"definite"`
	StartTime int    `json:"start_time"`
	EndTime   int    `json:"end_time"`
	Words     []Word `json:"words,omitempty"`
}

type Word struct {
	Text      string `json:"text"`
	StartTime int    `json:"start_time"`
	EndTime   int    `json:"end_time"`
}

// DecodeResponse parses the JSON payload of a server-response frame.
func DecodeResponse(f *Frame) (*Response, error) {
	resp := &Response{}
	if len(f.Payload) == 0 {
		return resp, nil
	}
	if err := sonic.Unmarshal(f.Payload, resp); err != nil {
		return nil, platformerrors.Wrap(platformerrors.KindFrameDecode, "protocol.decode_json", "解析识别结果失败", err)
	}
	return resp, nil
}

// Transcript returns the text to surface for this response. When utterances
// are present they supersede result.text: definite utterances are kept, and a
// non-definite one is kept only when no definite utterance follows it.
func (r *Response) Transcript() string {
	if len(r.Result.Utterances) == 0 {
		return strings.TrimSpace(r.Result.Text)
	}
	lastDefinite := -1
	for i, u := range r.Result.Utterances {
		if u.Definite {
			lastDefinite = i
		}
	}
	parts := make([]string, 0, len(r.Result.Utterances))
	for i, u := range r.Result.Utterances {
		if !u.Definite && i < lastDefinite {
			continue
		}
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
