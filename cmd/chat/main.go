package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tokligence/tokligence-chat/internal/chatclient"
	"github.com/tokligence/tokligence-chat/internal/config"
	"github.com/tokligence/tokligence-chat/internal/version"
)

func main() {
	if err := newApp(os.Stdin, os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
		os.Exit(1)
	}
}

// savedSession is persisted between invocations.
type savedSession struct {
	Server string `json:"server"`
	Token  string `json:"token"`
}

type app struct {
	in  *bufio.Reader
	out io.Writer
}

func newApp(in io.Reader, out io.Writer) *cli.Command {
	a := &app{in: bufio.NewReader(in), out: out}
	return &cli.Command{
		Name:    "chat",
		Usage:   "talk to a chatd server from the terminal",
		Version: version.Info(),
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "chatd base URL",
				Value:   "http://localhost:8081",
				Sources: cli.EnvVars("TOKLIGENCE_CHAT_URL"),
			},
			&cli.StringFlag{
				Name:    "session-file",
				Usage:   "where the session token is kept",
				Value:   config.DefaultSessionPath(),
				Sources: cli.EnvVars("TOKLIGENCE_CHAT_SESSION"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "register",
				Usage: "create an account and sign in",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "username", Required: true},
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "password", Usage: "read from stdin when omitted"},
				},
				Action: a.register,
			},
			{
				Name:  "login",
				Usage: "sign in",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "password", Usage: "read from stdin when omitted"},
				},
				Action: a.login,
			},
			{Name: "logout", Usage: "sign out and forget the session", Action: a.logout},
			{Name: "whoami", Usage: "show the signed-in account", Action: a.whoami},
			{Name: "list", Usage: "list conversations, newest first", Action: a.list},
			{Name: "new", Usage: "start a conversation", ArgsUsage: "[title]", Action: a.create},
			{Name: "show", Usage: "print a conversation", ArgsUsage: "<id>", Action: a.show},
			{Name: "delete", Usage: "delete a conversation", ArgsUsage: "<id>", Action: a.remove},
			{Name: "send", Usage: "send a message and stream the reply", ArgsUsage: "<id> <message...>", Action: a.send},
		},
	}
}

func (a *app) client(cmd *cli.Command) (*chatclient.Client, error) {
	server := cmd.String("server")
	client, err := chatclient.New(server, nil)
	if err != nil {
		return nil, err
	}
	if saved, err := loadSession(cmd.String("session-file")); err == nil && saved.Server == server {
		client.SetToken(saved.Token)
	}
	return client, nil
}

func (a *app) password(cmd *cli.Command) (string, error) {
	if p := cmd.String("password"); p != "" {
		return p, nil
	}
	fmt.Fprint(a.out, "Password: ")
	line, err := a.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (a *app) register(ctx context.Context, cmd *cli.Command) error {
	client, err := a.client(cmd)
	if err != nil {
		return err
	}
	password, err := a.password(cmd)
	if err != nil {
		return err
	}
	acct, err := client.Register(ctx, cmd.String("username"), cmd.String("email"), password)
	if err != nil {
		return err
	}
	if err := saveSession(cmd.String("session-file"), savedSession{Server: cmd.String("server"), Token: acct.Token}); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Registered and signed in as %s <%s>\n", acct.Username, acct.Email)
	return nil
}

func (a *app) login(ctx context.Context, cmd *cli.Command) error {
	client, err := a.client(cmd)
	if err != nil {
		return err
	}
	password, err := a.password(cmd)
	if err != nil {
		return err
	}
	acct, err := client.Login(ctx, cmd.String("email"), password)
	if err != nil {
		return err
	}
	if err := saveSession(cmd.String("session-file"), savedSession{Server: cmd.String("server"), Token: acct.Token}); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Signed in as %s <%s>\n", acct.Username, acct.Email)
	return nil
}

func (a *app) logout(ctx context.Context, cmd *cli.Command) error {
	client, err := a.client(cmd)
	if err != nil {
		return err
	}
	if err := client.Logout(ctx); err != nil {
		return err
	}
	if err := os.Remove(cmd.String("session-file")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	fmt.Fprintln(a.out, "Signed out")
	return nil
}

func (a *app) whoami(ctx context.Context, cmd *cli.Command) error {
	client, err := a.client(cmd)
	if err != nil {
		return err
	}
	acct, err := client.Me(ctx)
	if err != nil {
		return authHint(err)
	}
	fmt.Fprintf(a.out, "%s <%s> (id %d)\n", acct.Username, acct.Email, acct.ID)
	return nil
}

func (a *app) list(ctx context.Context, cmd *cli.Command) error {
	client, err := a.client(cmd)
	if err != nil {
		return err
	}
	convs, err := client.ListConversations(ctx)
	if err != nil {
		return authHint(err)
	}
	if len(convs) == 0 {
		fmt.Fprintln(a.out, "No conversations yet")
		return nil
	}
	for _, c := range convs {
		fmt.Fprintf(a.out, "%6d  %s  %s\n", c.ID, c.CreatedAt.Local().Format(time.DateTime), c.Title)
	}
	return nil
}

func (a *app) create(ctx context.Context, cmd *cli.Command) error {
	client, err := a.client(cmd)
	if err != nil {
		return err
	}
	conv, err := client.CreateConversation(ctx, strings.Join(cmd.Args().Slice(), " "))
	if err != nil {
		return authHint(err)
	}
	fmt.Fprintf(a.out, "Created conversation %d (%s)\n", conv.ID, conv.Title)
	return nil
}

func (a *app) show(ctx context.Context, cmd *cli.Command) error {
	id, err := conversationArg(cmd)
	if err != nil {
		return err
	}
	client, err := a.client(cmd)
	if err != nil {
		return err
	}
	conv, err := client.GetConversation(ctx, id)
	if err != nil {
		return authHint(err)
	}
	fmt.Fprintf(a.out, "# %s\n\n", conv.Title)
	for _, m := range conv.Messages {
		fmt.Fprintf(a.out, "%s: %s\n\n", m.Role, m.Content)
	}
	return nil
}

func (a *app) remove(ctx context.Context, cmd *cli.Command) error {
	id, err := conversationArg(cmd)
	if err != nil {
		return err
	}
	client, err := a.client(cmd)
	if err != nil {
		return err
	}
	if err := client.DeleteConversation(ctx, id); err != nil {
		return authHint(err)
	}
	fmt.Fprintf(a.out, "Deleted conversation %d\n", id)
	return nil
}

func (a *app) send(ctx context.Context, cmd *cli.Command) error {
	id, err := conversationArg(cmd)
	if err != nil {
		return err
	}
	content := strings.Join(cmd.Args().Tail(), " ")
	if content == "" {
		return errors.New("message required")
	}
	client, err := a.client(cmd)
	if err != nil {
		return err
	}

	printed := 0
	session := chatclient.NewSession(client, id, func(v chatclient.View) {
		switch v.State {
		case chatclient.StateSending:
			fmt.Fprintf(a.out, "you: %s\n\nassistant: ", v.Pending)
		case chatclient.StateStreaming:
			if len(v.Partial) > printed {
				fmt.Fprint(a.out, v.Partial[printed:])
				printed = len(v.Partial)
			}
		case chatclient.StateSettled:
			if v.Err == nil && v.Conversation != nil {
				fmt.Fprintf(a.out, "\n\n[%s]\n", v.Conversation.Title)
			}
		}
	})
	if err := session.Send(ctx, content); err != nil {
		fmt.Fprintln(a.out)
		return authHint(err)
	}
	return nil
}

func conversationArg(cmd *cli.Command) (int64, error) {
	raw := cmd.Args().First()
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid conversation id %q", raw)
	}
	return id, nil
}

func authHint(err error) error {
	if chatclient.IsStatus(err, http.StatusUnauthorized) {
		return fmt.Errorf("%w (run `chat login` first)", err)
	}
	return err
}

func loadSession(path string) (savedSession, error) {
	var s savedSession
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(data, &s)
	return s, err
}

func saveSession(path string, s savedSession) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
