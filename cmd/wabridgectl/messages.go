package main

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/matheus3301/wabridge/internal/store"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message from a user's session",
	ArgsUsage: "USER PHONE [TEXT]",
	Flags: []cli.Flag{
		jsonFlag,
		&cli.StringFlag{Name: "media", Usage: "Attach this file; TEXT becomes the caption"},
		&cli.StringFlag{Name: "reply-to", Usage: "Quote the message with this id"},
		&cli.StringFlag{Name: "forward", Usage: "Forward the message with this id"},
	},
	Action: cmdSend,
}

var chatsCommand = &cli.Command{
	Name:      "chats",
	Usage:     "List a user's cached chats, most recent first",
	ArgsUsage: "USER",
	Flags: []cli.Flag{
		jsonFlag,
		&cli.IntFlag{Name: "limit", Value: store.DefaultPageSize},
		&cli.IntFlag{Name: "offset"},
	},
	Action: cmdChats,
}

var messagesCommand = &cli.Command{
	Name:      "messages",
	Usage:     "Show cached messages of one chat",
	ArgsUsage: "USER PHONE",
	Flags: []cli.Flag{
		jsonFlag,
		&cli.IntFlag{Name: "limit", Value: store.DefaultPageSize},
		&cli.Int64Flag{Name: "before", Usage: "Only messages older than this unix ms timestamp"},
	},
	Action: cmdMessages,
}

type mediaBody struct {
	Data     string `json:"data"`
	FileName string `json:"filename,omitempty"`
}

type sendBody struct {
	Phone         string     `json:"phone"`
	Message       string     `json:"message,omitempty"`
	Media         *mediaBody `json:"media,omitempty"`
	ReplyToID     string     `json:"reply_to_id,omitempty"`
	ForwardFromID string     `json:"forward_from_id,omitempty"`
}

type sendReply struct {
	Success     bool          `json:"success"`
	Message     string        `json:"message"`
	PhoneNumber string        `json:"phone_number"`
	Outcome     string        `json:"outcome"`
	Chat        store.Chat    `json:"chat"`
	Sent        store.Message `json:"sent"`
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("usage: wabridgectl send USER PHONE [TEXT]")
	}
	user, phone := ctx.Args().Get(0), ctx.Args().Get(1)
	body := sendBody{
		Phone:         phone,
		Message:       ctx.Args().Get(2),
		ReplyToID:     ctx.String("reply-to"),
		ForwardFromID: ctx.String("forward"),
	}
	if path := ctx.String("media"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read media: %w", err)
		}
		// The daemon sniffs the type from the content.
		body.Media = &mediaBody{
			Data:     base64.StdEncoding.EncodeToString(raw),
			FileName: filepath.Base(path),
		}
	}

	var reply sendReply
	if err := getClient(ctx).do(ctx.Context, "POST", "/api/send/"+user, nil, body, &reply); err != nil {
		return err
	}
	if ctx.Bool("json") {
		outputJSON(reply)
		return nil
	}
	fmt.Printf("%s to %s (%s, id %s)\n", reply.Message, reply.PhoneNumber, reply.Outcome, reply.Sent.ID)
	return nil
}

func cmdChats(ctx *cli.Context) error {
	user, err := requireUser(ctx)
	if err != nil {
		return err
	}
	query := url.Values{
		"limit":  {strconv.Itoa(ctx.Int("limit"))},
		"offset": {strconv.Itoa(ctx.Int("offset"))},
	}
	var page store.ChatPage
	if err := getClient(ctx).do(ctx.Context, "GET", "/api/chats/"+user, query, nil, &page); err != nil {
		return err
	}
	if ctx.Bool("json") {
		outputJSON(page)
		return nil
	}
	if len(page.Chats) == 0 {
		fmt.Println("No chats cached.")
		return nil
	}
	for _, c := range page.Chats {
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" [%d]", c.UnreadCount)
		}
		fmt.Printf("%-16s %-24s %s%s\n", c.ContactID, truncate(c.DisplayName, 24), formatTime(c.LastMessageTime), unread)
		if c.LastMessageBody != "" {
			fmt.Printf("  %s\n", truncate(c.LastMessageBody, 72))
		}
	}
	if page.HasMore {
		fmt.Printf("... %d chats in total\n", page.Total)
	}
	return nil
}

func cmdMessages(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return fmt.Errorf("usage: wabridgectl messages USER PHONE")
	}
	user, phone := ctx.Args().Get(0), ctx.Args().Get(1)
	query := url.Values{"limit": {strconv.Itoa(ctx.Int("limit"))}}
	if before := ctx.Int64("before"); before > 0 {
		query.Set("before", strconv.FormatInt(before, 10))
	}

	var page store.MessagePage
	if err := getClient(ctx).do(ctx.Context, "GET", "/api/messages/"+user+"/"+url.PathEscape(phone), query, nil, &page); err != nil {
		return err
	}
	if ctx.Bool("json") {
		outputJSON(page)
		return nil
	}
	if page.HasMore {
		fmt.Printf("(older messages: --before %d)\n", page.OldestTimestamp)
	}
	for _, m := range page.Messages {
		who := m.SenderName
		if m.FromMe() {
			who = "me"
		} else if who == "" {
			who = m.ChatID
		}
		line := fmt.Sprintf("%s  %-16s %s", formatTime(m.Timestamp), truncate(who, 16), m.Body)
		if m.Type != store.TypeText {
			line += fmt.Sprintf(" <%s>", m.Type)
		}
		if m.DeliveryStatus != "" {
			line += fmt.Sprintf(" (%s)", m.DeliveryStatus)
		}
		fmt.Println(line)
	}
	return nil
}

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
