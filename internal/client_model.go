package internal

import (
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
)

// ClientOptions configures the terminal client.
type ClientOptions struct {
	ServerURL   string
	Username    string
	Token       string
	SessionPath string
}

// tui model struct for all the components and modes
type TUIModel struct {
	textInput       textinput.Model
	serverURL       string
	httpBase        string
	sessionPath     string
	username        string
	userID          string
	token           string
	pendingUsername string
	websocketConn   *websocket.Conn
	writeMutex      sync.Mutex
	isConnected     bool
	connectionError error
	mode            appMode
	pendingAction   actionType
	online          map[string]string
	lines           []logLine
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeUsernamePrompt
	modePasswordPrompt
	modeLive
)

type actionType int

const (
	actionNone actionType = iota
	actionLogin
	actionSignup
)

type lineKind int

const (
	lineSystem lineKind = iota
	lineEvent
	lineError
)

type logLine struct {
	at   time.Time
	kind lineKind
	text string
}

const maxLogLines = 200

// bubbletea messages for async results
type (
	connectedMsg     struct{ conn *websocket.Conn }
	incomingMsg      Envelope
	errorMsg         error
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	authResultMsg    struct {
		session sessionFile
		err     error
	}
	onlineListMsg struct {
		users []OnlineUser
		err   error
	}
	noticeMsg struct {
		text string
		err  error
	}
)

func NewTUIModel(opts ClientOptions) *TUIModel {
	input := textinput.New()
	input.CharLimit = 0

	model := &TUIModel{
		textInput:   input,
		serverURL:   opts.ServerURL,
		sessionPath: opts.SessionPath,
		username:    opts.Username,
		token:       opts.Token,
		online:      make(map[string]string),
		lines:       make([]logLine, 0, 64),
	}
	if base, err := httpBaseFromJoinURL(opts.ServerURL); err == nil {
		model.httpBase = base
	} else {
		model.connectionError = err
	}
	if model.token == "" && model.sessionPath != "" {
		if session, err := loadSessionFromDisk(model.sessionPath); err == nil {
			model.token = session.Token
			model.username = session.Username
			model.userID = session.UserID
		}
	}
	if model.token != "" {
		model.enterLive()
	} else {
		model.mode = modeAuthMenu
	}
	return model
}

func (model *TUIModel) enterLive() {
	model.mode = modeLive
	model.textInput.SetValue("")
	model.textInput.Placeholder = "/help for commands"
	model.textInput.Prompt = "> "
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.Focus()
}

func (model *TUIModel) appendLine(kind lineKind, text string) {
	model.lines = append(model.lines, logLine{at: time.Now(), kind: kind, text: text})
	if len(model.lines) > maxLogLines {
		model.lines = model.lines[len(model.lines)-maxLogLines:]
	}
}

// onlineUsers returns the roster sorted by username.
func (model *TUIModel) onlineUsers() []OnlineUser {
	users := make([]OnlineUser, 0, len(model.online))
	for id, name := range model.online {
		users = append(users, OnlineUser{UserID: id, Username: name})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].Username == users[j].Username {
			return users[i].UserID < users[j].UserID
		}
		return users[i].Username < users[j].Username
	})
	return users
}

func (model *TUIModel) Init() tea.Cmd {
	if model.mode == modeLive {
		return model.connectCmd()
	}
	return nil
}

// RunClient launches the bubbletea program.
func RunClient(opts ClientOptions) error {
	program := tea.NewProgram(NewTUIModel(opts))
	_, err := program.Run()
	return err
}
