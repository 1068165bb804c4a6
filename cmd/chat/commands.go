package main

import (
	"fmt"
	"net/url"
	"strings"
)

type commandKind int

const (
	cmdSend commandKind = iota
	cmdRetry
	cmdStatus
	cmdWho
	cmdQuit
	cmdHelp
)

type command struct {
	kind commandKind
	arg  string
}

// parseCommand reads one input line. Lines not starting with a slash are
// messages.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdSend, arg: line}, nil
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "retry":
		if arg == "" {
			return command{}, fmt.Errorf("usage: /retry <message id>")
		}
		return command{kind: cmdRetry, arg: arg}, nil
	case "status":
		if arg == "" {
			return command{}, fmt.Errorf("usage: /status <online|away|busy>")
		}
		return command{kind: cmdStatus, arg: arg}, nil
	case "who":
		return command{kind: cmdWho}, nil
	case "quit", "exit":
		return command{kind: cmdQuit}, nil
	case "help":
		return command{kind: cmdHelp}, nil
	}
	return command{}, fmt.Errorf("unknown command /%s, try /help", name)
}

// gatewayURL turns the API base URL into the websocket gateway URL.
func gatewayURL(apiURL string) (string, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported api url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}
