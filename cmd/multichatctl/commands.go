package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/matheus3301/multichat/internal/api"
	"github.com/matheus3301/multichat/internal/client"
	"github.com/matheus3301/multichat/internal/errs"
)

// maxPrompts bounds code and password prompts in login.
const maxPrompts = 5

type command struct {
	usage   string
	help    string
	minArgs int
	run     func(ctx context.Context, c *client.Client, out *printer, args []string) error
}

var commandOrder = []string{
	"accounts", "login", "remove", "use", "mute",
	"chats", "messages", "older", "send", "retry", "read",
	"mute-chat", "pin", "join", "badges", "watch",
}

var commands = map[string]command{
	"accounts":  {"", "List accounts", 0, cmdAccounts},
	"login":     {"<phone>", "Add an account (prompts for code and password)", 1, cmdLogin},
	"remove":    {"<account>", "Remove an account", 1, simple(api.MethodRemoveAccount, "accountId")},
	"use":       {"<account>", "Make an account active", 1, simple(api.MethodSetActive, "accountId")},
	"mute":      {"<account> <on|off>", "Mute or unmute an account", 2, toggle(api.MethodMuteAccount, "muted", "accountId")},
	"chats":     {"<account>", "List chats", 1, cmdChats},
	"messages":  {"<account> <chat>", "List loaded messages", 2, cmdMessages},
	"older":     {"<account> <chat>", "Load the next older page", 2, simple(api.MethodLoadOlder, "accountId", "chatId")},
	"send":      {"<account> <chat> <text>", "Send a message", 3, cmdSend},
	"retry":     {"<account> <chat> <client-id>", "Retry a failed send", 3, simple(api.MethodRetrySend, "accountId", "chatId", "clientId")},
	"read":      {"<account> <chat>", "Mark a chat read", 2, simple(api.MethodMarkRead, "accountId", "chatId")},
	"mute-chat": {"<account> <chat> <on|off>", "Mute or unmute a chat", 3, toggle(api.MethodMuteChat, "muted", "accountId", "chatId")},
	"pin":       {"<account> <chat> <on|off>", "Pin or unpin a chat", 3, toggle(api.MethodPinChat, "pinned", "accountId", "chatId")},
	"join":      {"<account> <chat>", "Request to join a chat", 2, simple(api.MethodRequestJoin, "accountId", "chatId")},
	"badges":    {"<account>", "Show notification badges", 1, simple(api.MethodBadges, "accountId")},
	"watch":     {"[namespace]", "Stream engine events", 0, cmdWatch},
}

func call(ctx context.Context, c *client.Client, method string, args map[string]any) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return c.Call(ctx, method, args)
}

// simple maps positional arguments onto the named request fields and
// prints the raw response.
func simple(method string, fields ...string) func(context.Context, *client.Client, *printer, []string) error {
	return func(ctx context.Context, c *client.Client, out *printer, args []string) error {
		req := make(map[string]any, len(fields))
		for i, f := range fields {
			req[f] = args[i]
		}
		resp, err := call(ctx, c, method, req)
		if err != nil {
			return err
		}
		out.value(resp)
		return nil
	}
}

// toggle is simple with a trailing on/off argument sent as flag.
func toggle(method, flag string, fields ...string) func(context.Context, *client.Client, *printer, []string) error {
	return func(ctx context.Context, c *client.Client, out *printer, args []string) error {
		req := make(map[string]any, len(fields)+1)
		for i, f := range fields {
			req[f] = args[i]
		}
		switch args[len(fields)] {
		case "on", "true", "yes":
			req[flag] = true
		case "off", "false", "no":
			req[flag] = false
		default:
			return fmt.Errorf("expected on or off, got %q", args[len(fields)])
		}
		resp, err := call(ctx, c, method, req)
		if err != nil {
			return err
		}
		out.value(resp)
		return nil
	}
}

func cmdAccounts(ctx context.Context, c *client.Client, out *printer, _ []string) error {
	resp, err := call(ctx, c, api.MethodListAccounts, nil)
	if err != nil {
		return err
	}
	if out.json {
		out.value(resp)
		return nil
	}
	accounts, _ := resp["accounts"].([]any)
	if len(accounts) == 0 {
		fmt.Println("No accounts.")
		return nil
	}
	active, _ := resp["activeId"].(string)
	for _, a := range accounts {
		acct := a.(map[string]any)
		marker := " "
		if acct["id"] == active {
			marker = "*"
		}
		flags := ""
		if acct["muted"] == true {
			flags += " muted"
		}
		if acct["hasMention"] == true {
			flags += " @"
		}
		fmt.Printf("%s %-28s %-16s %-18s%s\n", marker, acct["id"], acct["phone"], acct["status"], flags)
	}
	return nil
}

func cmdLogin(ctx context.Context, c *client.Client, out *printer, args []string) error {
	in := bufio.NewReader(os.Stdin)
	resp, err := call(ctx, c, api.MethodBeginLogin, map[string]any{"phone": args[0]})
	if err != nil {
		return err
	}
	acct := resp["account"].(map[string]any)
	id, _ := acct["id"].(string)
	step, _ := acct["status"].(string)

	for attempt := 0; attempt < maxPrompts; {
		var method, field, prompt string
		switch step {
		case "awaiting_code", "code_sent":
			method, field, prompt = api.MethodSubmitCode, "code", "Code: "
		case "password_required":
			method, field, prompt = api.MethodSubmitPassword, "password", "Password: "
		case "complete":
			fmt.Printf("Logged in as %s (%s)\n", args[0], id)
			return nil
		default:
			return fmt.Errorf("unexpected login state %s", step)
		}

		value, err := readLine(in, prompt)
		if err != nil {
			return err
		}
		resp, err := call(ctx, c, method, map[string]any{"accountId": id, field: value})
		if errs.Is(err, errs.Auth) {
			attempt++
			fmt.Fprintf(os.Stderr, "rejected: %v\n", err)
			continue
		}
		if err != nil {
			return err
		}
		step, _ = resp["login"].(map[string]any)["step"].(string)
	}
	return fmt.Errorf("giving up after %d rejected attempts", maxPrompts)
}

func readLine(in *bufio.Reader, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func cmdChats(ctx context.Context, c *client.Client, out *printer, args []string) error {
	resp, err := call(ctx, c, api.MethodListChats, map[string]any{"accountId": args[0]})
	if err != nil {
		return err
	}
	if out.json {
		out.value(resp)
		return nil
	}
	chats, _ := resp["chats"].([]any)
	for _, ch := range chats {
		chat := ch.(map[string]any)
		flags := ""
		if chat["pinned"] == true {
			flags += " pinned"
		}
		if chat["muted"] == true {
			flags += " muted"
		}
		if chat["hasMention"] == true {
			flags += " @"
		}
		if m := chat["membership"]; m != "member" {
			flags += fmt.Sprintf(" (%v)", m)
		}
		fmt.Printf("%-24v %-32v %4v%s\n", chat["id"], chat["title"], chat["unreadCount"], flags)
	}
	return nil
}

func cmdMessages(ctx context.Context, c *client.Client, out *printer, args []string) error {
	resp, err := call(ctx, c, api.MethodListMessages, map[string]any{"accountId": args[0], "chatId": args[1]})
	if err != nil {
		return err
	}
	if out.json {
		out.value(resp)
		return nil
	}
	msgs, _ := resp["messages"].([]any)
	for _, m := range msgs {
		msg := m.(map[string]any)
		sender := msg["senderName"]
		if msg["fromMe"] == true {
			sender = "me"
		}
		status := ""
		if s := msg["status"]; s != "confirmed" {
			status = fmt.Sprintf(" [%v]", s)
		}
		fmt.Printf("%-12v %v%s\n", sender, msg["text"], status)
	}
	return nil
}

func cmdSend(ctx context.Context, c *client.Client, out *printer, args []string) error {
	resp, err := call(ctx, c, api.MethodSendMessage, map[string]any{
		"accountId": args[0],
		"chatId":    args[1],
		"body":      strings.Join(args[2:], " "),
	})
	if err != nil {
		return err
	}
	out.value(resp)
	return nil
}

func cmdWatch(ctx context.Context, c *client.Client, out *printer, args []string) error {
	namespace := ""
	if len(args) > 0 {
		namespace = args[0]
	}
	return c.Watch(ctx, namespace, "", func(evt map[string]any) error {
		if out.json {
			out.value(evt)
			return nil
		}
		fmt.Printf("%v %v %v\n", evt["kind"], evt["accountId"], evt["chatId"])
		return nil
	})
}
