package internal

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/mattn/go-shellwords"
)

type commandKind int

const (
	cmdSend commandKind = iota
	cmdRaw
	cmdCall
	cmdCallAction
	cmdOnline
	cmdVisibility
	cmdHelp
	cmdQuit
)

// clientCommand is one parsed slash command from the input line.
type clientCommand struct {
	kind     commandKind
	event    string
	payload  map[string]any
	raw      string
	targetID string
	action   string
	callType string
	duration *int
	visible  bool
}

const commandHelp = `/typing <userId> [stop]           typing indicator
/delete <messageId> <receiverId> [all]
/edit <messageId> <receiverId> <text...>
/read <messageId> <senderId>       read receipt
/viewed <imageId> <senderId>       view-once image opened
/call <userId> [voice|video]
/answer|/decline <callId>
/end <callId> [seconds]
/online  /hide  /show  /raw <frame>  /quit`

func parseCommand(line string) (clientCommand, error) {
	line = strings.TrimSpace(line)
	// raw frames are json, so they bypass shell-style quoting
	if head, rest, ok := strings.Cut(line, " "); ok && strings.EqualFold(head, "/raw") {
		if rest = strings.TrimSpace(rest); rest != "" {
			return clientCommand{kind: cmdRaw, raw: rest}, nil
		}
	}
	args, err := shellwords.Parse(line)
	if err != nil {
		return clientCommand{}, fmt.Errorf("parse %q: %w", line, err)
	}
	if len(args) == 0 || !strings.HasPrefix(args[0], "/") {
		return clientCommand{}, errors.New("commands start with /")
	}
	name := strings.ToLower(args[0])
	args = args[1:]
	need := func(n int, usage string) error {
		if len(args) < n {
			return fmt.Errorf("usage: %s %s", name, usage)
		}
		return nil
	}

	switch name {
	case "/typing":
		if err := need(1, "<userId> [stop]"); err != nil {
			return clientCommand{}, err
		}
		event := EventTypingStart
		if len(args) > 1 && strings.EqualFold(args[1], "stop") {
			event = EventTypingStop
		}
		return clientCommand{kind: cmdSend, event: event, payload: map[string]any{"receiverId": args[0]}}, nil
	case "/delete":
		if err := need(2, "<messageId> <receiverId> [all]"); err != nil {
			return clientCommand{}, err
		}
		forEveryone := len(args) > 2 && strings.EqualFold(args[2], "all")
		return clientCommand{kind: cmdSend, event: EventMessageDelete, payload: map[string]any{
			"messageId": args[0], "receiverId": args[1], "forEveryone": forEveryone,
		}}, nil
	case "/edit":
		if err := need(3, "<messageId> <receiverId> <text...>"); err != nil {
			return clientCommand{}, err
		}
		return clientCommand{kind: cmdSend, event: EventMessageEdit, payload: map[string]any{
			"messageId": args[0], "receiverId": args[1], "newContent": strings.Join(args[2:], " "),
		}}, nil
	case "/read":
		if err := need(2, "<messageId> <senderId>"); err != nil {
			return clientCommand{}, err
		}
		return clientCommand{kind: cmdSend, event: EventMessageRead, payload: map[string]any{
			"messageId": args[0], "senderId": args[1],
		}}, nil
	case "/viewed":
		if err := need(2, "<imageId> <senderId>"); err != nil {
			return clientCommand{}, err
		}
		return clientCommand{kind: cmdSend, event: EventImageViewed, payload: map[string]any{
			"imageId": args[0], "senderId": args[1],
		}}, nil
	case "/raw":
		if err := need(1, "<frame>"); err != nil {
			return clientCommand{}, err
		}
		return clientCommand{kind: cmdRaw, raw: strings.Join(args, " ")}, nil
	case "/call":
		if err := need(1, "<userId> [voice|video]"); err != nil {
			return clientCommand{}, err
		}
		callType := string(CallVoice)
		if len(args) > 1 {
			parsed, err := ParseCallType(strings.ToLower(args[1]))
			if err != nil {
				return clientCommand{}, err
			}
			callType = string(parsed)
		}
		return clientCommand{kind: cmdCall, targetID: args[0], callType: callType}, nil
	case "/answer", "/decline":
		if err := need(1, "<callId>"); err != nil {
			return clientCommand{}, err
		}
		return clientCommand{kind: cmdCallAction, targetID: args[0], action: strings.TrimPrefix(name, "/")}, nil
	case "/end":
		if err := need(1, "<callId> [seconds]"); err != nil {
			return clientCommand{}, err
		}
		cmd := clientCommand{kind: cmdCallAction, targetID: args[0], action: "end"}
		if len(args) > 1 {
			seconds, err := strconv.Atoi(args[1])
			if err != nil || seconds < 0 {
				return clientCommand{}, fmt.Errorf("invalid duration %q", args[1])
			}
			cmd.duration = &seconds
		}
		return cmd, nil
	case "/online":
		return clientCommand{kind: cmdOnline}, nil
	case "/hide", "/show":
		return clientCommand{kind: cmdVisibility, visible: name == "/show"}, nil
	case "/help":
		return clientCommand{kind: cmdHelp}, nil
	case "/quit", "/exit":
		return clientCommand{kind: cmdQuit}, nil
	}
	return clientCommand{}, fmt.Errorf("unknown command %s, try /help", name)
}

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// websocket dial
func (model *TUIModel) connectCmd() tea.Cmd {
	serverURL, token := model.serverURL, model.token
	return func() tea.Msg {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		conn, resp, err := websocket.DefaultDialer.Dial(serverURL, header)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return connectFailedMsg{err: errUnauthorized}
			}
			return connectFailedMsg{err: err}
		}
		return connectedMsg{conn: conn}
	}
}

// reads one frame; Update schedules the next read
func (model *TUIModel) readOnceCmd() tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return errorMsg(errors.New("websocket not connected"))
		}
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return errorMsg(err)
			}
			if messageType != websocket.TextMessage {
				continue
			}
			envelope, err := decodeEnvelope(payload)
			if err != nil {
				// undecodable frames are skipped so the read chain stays alive
				continue
			}
			return incomingMsg(envelope)
		}
	}
}

func (model *TUIModel) sendFrameCmd(frame []byte) tea.Cmd {
	conn := model.websocketConn
	return func() tea.Msg {
		if conn == nil {
			return noticeMsg{err: errors.New("websocket not connected")}
		}
		model.writeMutex.Lock()
		err := conn.WriteMessage(websocket.TextMessage, frame)
		model.writeMutex.Unlock()
		if err != nil {
			return errorMsg(err)
		}
		return nil
	}
}

func (model *TUIModel) authCmd(action actionType, username, password string) tea.Cmd {
	base, sessionPath := model.httpBase, model.sessionPath
	return func() tea.Msg {
		if action == actionSignup {
			if err := apiSignup(base, username, password); err != nil {
				return authResultMsg{err: err}
			}
		}
		resp, err := apiLogin(base, username, password)
		if err != nil {
			return authResultMsg{err: err}
		}
		session := sessionFile{Username: resp.Username, UserID: resp.UserID, Token: resp.Token}
		if sessionPath != "" {
			_ = saveSessionToDisk(sessionPath, session)
		}
		return authResultMsg{session: session}
	}
}

func (model *TUIModel) onlineCmd() tea.Cmd {
	base, token := model.httpBase, model.token
	return func() tea.Msg {
		users, err := apiOnlineUsers(base, token)
		return onlineListMsg{users: users, err: err}
	}
}

func (model *TUIModel) httpCommandCmd(cmd clientCommand) tea.Cmd {
	base, token := model.httpBase, model.token
	return func() tea.Msg {
		switch cmd.kind {
		case cmdCall:
			record, err := apiInitiateCall(base, token, cmd.targetID, cmd.callType)
			if err != nil {
				return noticeMsg{err: err}
			}
			return noticeMsg{text: fmt.Sprintf("calling %s (%s), call id %s", record.ReceiverName, record.CallType, record.ID)}
		case cmdCallAction:
			record, err := apiCallAction(base, token, cmd.targetID, cmd.action, cmd.duration)
			if err != nil {
				return noticeMsg{err: err}
			}
			return noticeMsg{text: fmt.Sprintf("call %s is now %s", record.ID, record.Status)}
		case cmdVisibility:
			if err := apiSetVisibility(base, token, cmd.visible); err != nil {
				return noticeMsg{err: err}
			}
			if cmd.visible {
				return noticeMsg{text: "your online status is visible"}
			}
			return noticeMsg{text: "your online status is hidden"}
		}
		return nil
	}
}
