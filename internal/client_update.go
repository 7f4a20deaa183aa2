package internal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		// global quit
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeConn("client quit")
			return model, tea.Quit
		}
		switch model.mode {
		case modeAuthMenu:
			return model.updateAuthMenu(typedMessage)
		case modeUsernamePrompt, modePasswordPrompt:
			return model.updateAuthPrompt(typedMessage)
		default:
			return model.updateLive(typedMessage)
		}

	case authResultMsg:
		if typedMessage.err != nil {
			model.appendLine(lineError, "Authentication failed: "+typedMessage.err.Error())
			model.mode = modeAuthMenu
			model.textInput.Blur()
			return model, nil
		}
		model.token = typedMessage.session.Token
		model.userID = typedMessage.session.UserID
		model.username = typedMessage.session.Username
		model.enterLive()
		return model, model.connectCmd()

	case connectedMsg:
		model.websocketConn = typedMessage.conn
		model.isConnected = true
		model.connectionError = nil
		model.appendLine(lineSystem, "Connected as "+model.username)
		return model, model.readOnceCmd()

	case incomingMsg:
		model.applyEvent(Envelope(typedMessage))
		return model, model.readOnceCmd()

	case errorMsg:
		model.isConnected = false
		model.connectionError = typedMessage
		model.online = make(map[string]string)
		if model.mode == modeLive {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case connectFailedMsg:
		model.connectionError = typedMessage.err
		if errors.Is(typedMessage.err, errUnauthorized) {
			_ = deleteSessionFile(model.sessionPath)
			model.token = ""
			model.mode = modeAuthMenu
			model.textInput.Blur()
			model.appendLine(lineError, "Session expired, please log in again.")
			return model, nil
		}
		if model.mode == modeLive {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.mode == modeLive && !model.isConnected {
			return model, model.connectCmd()
		}
		return model, nil

	case onlineListMsg:
		if typedMessage.err != nil {
			model.appendLine(lineError, typedMessage.err.Error())
			return model, nil
		}
		model.replaceRoster(typedMessage.users)
		model.appendLine(lineSystem, fmt.Sprintf("%d user(s) online", len(typedMessage.users)))
		return model, nil

	case noticeMsg:
		if typedMessage.err != nil {
			model.appendLine(lineError, typedMessage.err.Error())
		} else if typedMessage.text != "" {
			model.appendLine(lineSystem, typedMessage.text)
		}
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) updateAuthMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "1", "l", "L":
		model.pendingAction = actionLogin
	case "2", "s", "S":
		model.pendingAction = actionSignup
	case "3", "q", "Q", "esc":
		return model, tea.Quit
	default:
		return model, nil
	}
	model.mode = modeUsernamePrompt
	model.textInput.SetValue(model.username)
	model.textInput.Placeholder = "username"
	model.textInput.Prompt = "user> "
	model.textInput.EchoMode = textinput.EchoNormal
	return model, model.textInput.Focus()
}

func (model *TUIModel) updateAuthPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.pendingAction = actionNone
		model.mode = modeAuthMenu
		model.textInput.SetValue("")
		model.textInput.Blur()
		return model, nil
	case tea.KeyEnter:
		value := strings.TrimSpace(model.textInput.Value())
		if value == "" {
			return model, nil
		}
		model.textInput.SetValue("")
		if model.mode == modeUsernamePrompt {
			model.pendingUsername = value
			model.mode = modePasswordPrompt
			model.textInput.Placeholder = "password"
			model.textInput.Prompt = "pass> "
			model.textInput.EchoMode = textinput.EchoPassword
			return model, nil
		}
		action := model.pendingAction
		model.pendingAction = actionNone
		model.textInput.Blur()
		model.appendLine(lineSystem, "Authenticating "+model.pendingUsername+"…")
		return model, model.authCmd(action, model.pendingUsername, value)
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateLive(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type != tea.KeyEnter {
		var cmd tea.Cmd
		model.textInput, cmd = model.textInput.Update(key)
		return model, cmd
	}
	line := strings.TrimSpace(model.textInput.Value())
	if line == "" {
		return model, nil
	}
	model.textInput.SetValue("")
	cmd, err := parseCommand(line)
	if err != nil {
		model.appendLine(lineError, err.Error())
		return model, nil
	}
	switch cmd.kind {
	case cmdQuit:
		model.closeConn("client quit")
		return model, tea.Quit
	case cmdHelp:
		model.appendLine(lineSystem, commandHelp)
		return model, nil
	case cmdOnline:
		return model, model.onlineCmd()
	case cmdCall, cmdCallAction, cmdVisibility:
		return model, model.httpCommandCmd(cmd)
	case cmdRaw:
		return model, model.sendFrameCmd([]byte(cmd.raw))
	}
	if !model.isConnected {
		model.appendLine(lineError, "not connected")
		return model, nil
	}
	frame, err := Encode(cmd.event, cmd.payload)
	if err != nil {
		model.appendLine(lineError, err.Error())
		return model, nil
	}
	return model, model.sendFrameCmd(frame)
}

func (model *TUIModel) closeConn(reason string) {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
}

func (model *TUIModel) replaceRoster(users []OnlineUser) {
	model.online = make(map[string]string, len(users))
	for _, user := range users {
		model.online[user.UserID] = user.Username
	}
}

// applyEvent folds a server event into the roster and the event log.
func (model *TUIModel) applyEvent(envelope Envelope) {
	payload := gjson.ParseBytes(envelope.Payload)
	switch envelope.Event {
	case EventUsersOnline:
		var users []OnlineUser
		if err := json.Unmarshal(envelope.Payload, &users); err != nil {
			model.appendLine(lineError, "bad users:online payload: "+err.Error())
			return
		}
		model.replaceRoster(users)
		return
	case EventUserOnline:
		model.online[payload.Get("userId").String()] = payload.Get("username").String()
	case EventUserOffline:
		delete(model.online, payload.Get("userId").String())
	case EventError:
		model.appendLine(lineError, describeEvent(envelope.Event, payload, model.nameOf))
		return
	}
	model.appendLine(lineEvent, describeEvent(envelope.Event, payload, model.nameOf))
}

func (model *TUIModel) nameOf(userID string) string {
	if userID == model.userID && model.username != "" {
		return "you"
	}
	if name, ok := model.online[userID]; ok && name != "" {
		return name
	}
	return userID
}

func describeEvent(event string, payload gjson.Result, nameOf func(string) string) string {
	get := func(path string) string { return payload.Get(path).String() }
	switch event {
	case EventUserOnline:
		return get("username") + " came online"
	case EventUserOffline:
		return get("username") + " went offline"
	case EventMessageDeleted:
		scope := "for you"
		if payload.Get("forEveryone").Bool() {
			scope = "for everyone"
		}
		return fmt.Sprintf("%s deleted message %s %s", nameOf(get("deletedBy")), get("messageId"), scope)
	case EventMessageDeleteConfirmed:
		return "delete of " + get("messageId") + " confirmed"
	case EventMessageEdited:
		return fmt.Sprintf("%s edited %s: %q", nameOf(get("editedBy")), get("messageId"), get("newContent"))
	case EventMessageEditConfirmed:
		return "edit of " + get("messageId") + " confirmed"
	case EventTypingStart:
		return get("username") + " is typing…"
	case EventTypingStop:
		return get("username") + " stopped typing"
	case EventMessageRead:
		return fmt.Sprintf("%s read %s", nameOf(get("readBy")), get("messageId"))
	case EventImageViewed:
		return fmt.Sprintf("%s viewed image %s", nameOf(get("viewedBy")), get("imageId"))
	case EventCallIncoming:
		return fmt.Sprintf("incoming %s call from %s, /answer %s or /decline %s",
			get("callType"), get("caller.username"), get("callId"), get("callId"))
	case EventCallAnswered:
		return "call " + get("callId") + " answered"
	case EventCallDeclined:
		return "call " + get("callId") + " declined"
	case EventCallEnded:
		if seconds := payload.Get("duration").Int(); seconds > 0 {
			return fmt.Sprintf("call %s ended after %ds", get("callId"), seconds)
		}
		return "call " + get("callId") + " ended"
	case EventError:
		if name := get("event"); name != "" {
			return fmt.Sprintf("server rejected %s: %s", name, get("message"))
		}
		return "server error: " + get("message")
	}
	return fmt.Sprintf("%s %s", event, payload.Raw)
}
