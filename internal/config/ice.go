package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pion/webrtc/v4"
)

// ICE servers come from a JSON list when one is set, otherwise from the
// STUN/TURN convenience variables.
const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"
	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

type iceSources struct {
	json       string
	stun       string
	turn       string
	username   string
	credential string
}

func readICESources(lookup func(string) (string, bool)) iceSources {
	return iceSources{
		json:       envOrDefault(lookup, envICEServersJSON, ""),
		stun:       envOrDefault(lookup, envStunURLs, ""),
		turn:       envOrDefault(lookup, envTurnURLs, ""),
		username:   envOrDefault(lookup, envTurnUsername, ""),
		credential: envOrDefault(lookup, envTurnCredential, ""),
	}
}

// parse builds the server list. With turnCredsInjected, TURN entries may omit
// credentials because the hub mints them per request.
func (s iceSources) parse(turnCredsInjected bool) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(s.json) == "" {
		return ParseICEServersFromConvenienceEnv(s.stun, s.turn, s.username, s.credential, turnCredsInjected)
	}
	servers, err := ParseICEServersJSON(s.json, turnCredsInjected)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
	}
	return servers, nil
}

// iceURLs accepts both `"urls": "stun:..."` and `"urls": ["stun:...", ...]`.
type iceURLs []string

func (u *iceURLs) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*u = iceURLs{one}
		return nil
	}
	return json.Unmarshal(b, (*[]string)(u))
}

// ParseICEServersJSON parses and validates an RTCIceServer[] style list.
func ParseICEServersJSON(raw string, turnCredsInjected bool) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       iceURLs `json:"urls"`
		Username   string  `json:"username"`
		Credential string  `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := newICEServer(compact(e.URLs), e.Username, e.Credential)
		if err := validateICEServer(server, turnCredsInjected); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN
// entry from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, turnCredsInjected bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := compact(strings.Split(stunURLs, ",")); len(urls) > 0 {
		stun := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(stun, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, stun)
	}

	if urls := compact(strings.Split(turnURLs, ",")); len(urls) > 0 {
		user, cred := strings.TrimSpace(turnUsername), strings.TrimSpace(turnCredential)
		if !turnCredsInjected && (user == "" || cred == "") {
			return nil, fmt.Errorf("%s and %s are required with %s", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		turn := newICEServer(urls, user, cred)
		if err := validateICEServer(turn, turnCredsInjected); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, turn)
	}

	return servers, nil
}

// HasTURN reports whether any server lists a turn: or turns: URL.
func HasTURN(servers []webrtc.ICEServer) bool {
	return slices.ContainsFunc(servers, IsTURNServer)
}

func IsTURNServer(server webrtc.ICEServer) bool {
	return slices.ContainsFunc(server.URLs, func(u string) bool {
		s := iceScheme(u)
		return s == "turn" || s == "turns"
	})
}

func newICEServer(urls []string, username, credential string) webrtc.ICEServer {
	s := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(username)}
	if strings.TrimSpace(credential) != "" {
		s.Credential = credential
	}
	return s
}

func validateICEServer(server webrtc.ICEServer, turnCredsInjected bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, u := range server.URLs {
		switch iceScheme(u) {
		case "stun", "stuns", "turn", "turns":
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}

	if turnCredsInjected || !IsTURNServer(server) {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, _ := server.Credential.(string); strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}

func iceScheme(url string) string {
	scheme, _, ok := strings.Cut(strings.TrimSpace(url), ":")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

// compact trims every entry and drops the empty ones.
func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
