// Package twiml renders the call-control documents returned to Twilio's voice
// webhook and reads them back for the call simulator.
package twiml

import (
	"encoding/xml"
	"fmt"
	"sort"

	twilio "github.com/twilio/twilio-go/twiml"
)

// ContentType is what Twilio expects on webhook responses.
const ContentType = "text/xml"

// Response is the root <Response> verb container.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Say     *Say     `xml:"Say,omitempty"`
	Connect *Connect `xml:"Connect,omitempty"`
}

// Say speaks text to the caller.
type Say struct {
	Language string `xml:"language,attr,omitempty"`
	Voice    string `xml:"voice,attr,omitempty"`
	Text     string `xml:",chardata"`
}

// Connect hands the call over to a bidirectional media stream.
type Connect struct {
	Stream Stream `xml:"Stream"`
}

// Stream is the <Stream> noun; Parameters are delivered back in the stream's
// start message as customParameters.
type Stream struct {
	URL        string      `xml:"url,attr"`
	Parameters []Parameter `xml:"Parameter,omitempty"`
}

// Parameter is a custom stream parameter.
type Parameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// StreamURL builds the media stream url for a shop on the given host.
func StreamURL(host, shop string) string {
	return fmt.Sprintf("wss://%s/media-stream/%s", host, shop)
}

// NewConnectResponse speaks greeting and then connects the call to streamURL.
func NewConnectResponse(language, greeting, streamURL string, params map[string]string) *Response {
	resp := &Response{
		Connect: &Connect{Stream: Stream{URL: streamURL}},
	}
	if greeting != "" {
		resp.Say = &Say{Language: language, Text: greeting}
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		resp.Connect.Stream.Parameters = append(resp.Connect.Stream.Parameters, Parameter{Name: name, Value: params[name]})
	}
	return resp
}

// Marshal renders the document with the XML declaration.
func (r *Response) Marshal() ([]byte, error) {
	body, err := twilio.Voice(r.verbs())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TwiML: %w", err)
	}
	return []byte(body), nil
}

func (r *Response) verbs() []twilio.Element {
	var verbs []twilio.Element
	if r.Say != nil {
		verbs = append(verbs, &twilio.VoiceSay{
			Message:  r.Say.Text,
			Language: r.Say.Language,
			Voice:    r.Say.Voice,
		})
	}
	if r.Connect != nil {
		params := make([]twilio.Element, 0, len(r.Connect.Stream.Parameters))
		for _, p := range r.Connect.Stream.Parameters {
			params = append(params, &twilio.VoiceParameter{Name: p.Name, Value: p.Value})
		}
		verbs = append(verbs, &twilio.VoiceConnect{
			InnerElements: []twilio.Element{
				&twilio.VoiceStream{Url: r.Connect.Stream.URL, InnerElements: params},
			},
		})
	}
	return verbs
}

// Parse reads a TwiML document back.
func Parse(data []byte) (*Response, error) {
	var resp Response
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse TwiML: %w", err)
	}
	return &resp, nil
}

// Param returns a stream parameter by name.
func (s Stream) Param(name string) (string, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}
