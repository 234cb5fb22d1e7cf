package internal

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"roomchat/internal/chat"
)

var (
	httpTimeout = 5 * time.Second
)

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

type usersResponse struct {
	Users []chat.User `json:"users"`
	Count int         `json:"count"`
}

func apiRoomMessages(wsURL, roomID string, limit, offset int) ([]chat.Message, error) {
	base, err := httpBaseFromJoinURL(wsURL)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	endpoint := base + "/api/rooms/" + url.PathEscape(roomID) + "/messages?" + q.Encode()
	var resp messagesResponse
	if err := doJSONRequest(http.MethodGet, endpoint, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func apiRoomUsers(wsURL, roomID string) ([]chat.User, error) {
	base, err := httpBaseFromJoinURL(wsURL)
	if err != nil {
		return nil, err
	}
	var resp usersResponse
	if err := doJSONRequest(http.MethodGet, base+"/api/rooms/"+url.PathEscape(roomID)+"/users", &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func doJSONRequest(method, endpoint string, out any) error {
	req, err := http.NewRequest(method, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

func httpBaseFromJoinURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}
