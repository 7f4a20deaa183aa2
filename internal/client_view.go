package internal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// pre styled colors// all from lipglpss
var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	headerStyle        = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	eventBodyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	eventBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1).Width(72)
	rosterBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1).MarginRight(1).Width(28)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	errorLineStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

const visibleLogLines = 18

func (model *TUIModel) View() string {
	switch model.mode {
	case modeAuthMenu:
		return model.renderAuthMenuView()
	case modeUsernamePrompt, modePasswordPrompt:
		return model.renderAuthPromptView()
	default:
		return model.renderLiveView()
	}
}

func (model *TUIModel) renderAuthMenuView() string {
	title := appTitleStyle.Render("parley")
	subtitle := subtitleStyle.Render("Presence and signaling from your terminal")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Sign up"),
		renderMenuOption("q", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("1) Log in  •  2) Sign up  •  q) Quit"))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderAuthPromptView() string {
	title := "Log in"
	if model.pendingAction == actionSignup {
		title = "Create an account"
	}
	hint := "Enter your username"
	if model.mode == modePasswordPrompt {
		hint = "Enter your password"
	}
	viewSections := []string{appTitleStyle.Render(title), menuHintStyle.Render(hint)}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))
	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model *TUIModel) renderLiveView() string {
	headerSegments := []string{
		"parley",
		fmt.Sprintf("User %s", model.username),
		fmt.Sprintf("Server %s", model.serverURL),
	}
	header := headerStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.connectionError != nil && !model.isConnected:
		statusLine = errorStyle.Render("Connection error: " + model.connectionError.Error())
	case model.isConnected:
		statusLine = connectedStyle.Render("Connected")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top, model.renderRoster(), model.renderLog())
	inputView := inputBoxStyle.Render(model.textInput.View())
	footerHint := menuHintStyle.Render("/help for commands  •  Ctrl+C to quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, statusLine, body, inputView, footerHint)
}

func (model *TUIModel) renderRoster() string {
	users := model.onlineUsers()
	lines := []string{usernameStyle.Render(fmt.Sprintf("Online (%d)", len(users)))}
	for _, user := range users {
		name := usernameStyle.Copy().Foreground(colorForUser(user.Username)).Render(user.Username)
		if user.UserID == model.userID {
			name += timestampStyle.Render(" (you)")
		}
		lines = append(lines, presenceDot(true)+" "+name)
	}
	return rosterBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (model *TUIModel) renderLog() string {
	lines := model.lines
	if len(lines) > visibleLogLines {
		lines = lines[len(lines)-visibleLogLines:]
	}
	rendered := make([]string, 0, len(lines))
	for _, line := range lines {
		rendered = append(rendered, renderLogLine(line))
	}
	if len(rendered) == 0 {
		rendered = append(rendered, systemMessageStyle.Render("Waiting for events…"))
	}
	return eventBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rendered...))
}

func renderLogLine(line logLine) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", line.at.Format("15:04:05")))
	text := strings.ReplaceAll(line.text, "\n", "\n   ")
	switch line.kind {
	case lineError:
		text = errorLineStyle.Render(text)
	case lineSystem:
		text = systemMessageStyle.Render(text)
	default:
		text = eventBodyStyle.Render(text)
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", text)
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model *TUIModel) renderNotices() string {
	var notices []string
	for _, line := range model.lines {
		switch line.kind {
		case lineError:
			notices = append(notices, errorLineStyle.Render(line.text))
		case lineSystem:
			notices = append(notices, systemMessageStyle.Render(line.text))
		}
	}
	if len(notices) == 0 {
		return ""
	}
	if len(notices) > 4 {
		notices = notices[len(notices)-4:]
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, notices...))
}

func presenceDot(online bool) string {
	if online {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render("○")
}

// color for users
func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
