package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
)

type sessionStatus struct {
	Status      string `json:"status"`
	QRCode      string `json:"qr_code,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Message     string `json:"message"`
}

type healthReport struct {
	Status              string `json:"status"`
	Message             string `json:"message"`
	ActiveClients       int    `json:"active_clients"`
	TotalMessagesStored int    `json:"total_messages_stored"`
	TotalChats          int    `json:"total_chats"`
	CachedUsers         int    `json:"cached_users"`
	Subscribers         int    `json:"subscribers"`
	UptimeMs            int64  `json:"uptime_ms"`
	Sessions            []struct {
		UserID string `json:"user_id"`
		Status string `json:"status"`
	} `json:"sessions"`
}

var jsonFlag = &cli.BoolFlag{Name: "json", Usage: "Output in JSON format"}

var initCommand = &cli.Command{
	Name:      "init",
	Usage:     "Start (or restart) a user's session",
	ArgsUsage: "USER",
	Flags: []cli.Flag{
		jsonFlag,
		&cli.StringFlag{
			Name:  "qr-file",
			Usage: "Write the pairing QR code to this PNG file",
		},
	},
	Action: cmdInit,
}

var statusCommand = &cli.Command{
	Name:      "status",
	Usage:     "Show a user's session, or every session when USER is omitted",
	ArgsUsage: "[USER]",
	Flags:     []cli.Flag{jsonFlag},
	Action:    cmdStatus,
}

var disconnectCommand = &cli.Command{
	Name:      "disconnect",
	Usage:     "Log a user out and drop the session",
	ArgsUsage: "USER",
	Action:    cmdDisconnect,
}

func requireUser(ctx *cli.Context) (string, error) {
	if ctx.NArg() == 0 {
		return "", fmt.Errorf("you must specify a user id")
	}
	return ctx.Args().Get(0), nil
}

func cmdInit(ctx *cli.Context) error {
	user, err := requireUser(ctx)
	if err != nil {
		return err
	}
	var st sessionStatus
	if err := getClient(ctx).do(ctx.Context, "POST", "/api/initialize/"+user, nil, nil, &st); err != nil {
		return err
	}
	if path := ctx.String("qr-file"); path != "" && st.QRCode != "" {
		if err := writeQR(path, st.QRCode); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "QR code written to %s\n", path)
	}
	if ctx.Bool("json") {
		outputJSON(st)
		return nil
	}
	printStatus(user, st)
	return nil
}

func cmdStatus(ctx *cli.Context) error {
	client := getClient(ctx)
	if ctx.NArg() == 0 {
		var report healthReport
		if err := client.do(ctx.Context, "GET", "/health", nil, nil, &report); err != nil {
			return err
		}
		if ctx.Bool("json") {
			outputJSON(report)
			return nil
		}
		fmt.Printf("Daemon:   %s (up %s)\n", report.Status, (time.Duration(report.UptimeMs) * time.Millisecond).Round(time.Second))
		fmt.Printf("Clients:  %d ready, %d subscribers\n", report.ActiveClients, report.Subscribers)
		fmt.Printf("Cache:    %d chats, %d messages, %d users\n", report.TotalChats, report.TotalMessagesStored, report.CachedUsers)
		if len(report.Sessions) == 0 {
			fmt.Println("No sessions.")
		}
		for _, s := range report.Sessions {
			fmt.Printf("  %-20s %s\n", s.UserID, s.Status)
		}
		return nil
	}

	user := ctx.Args().Get(0)
	var st sessionStatus
	if err := client.do(ctx.Context, "GET", "/api/status/"+user, nil, nil, &st); err != nil {
		return err
	}
	if ctx.Bool("json") {
		outputJSON(st)
		return nil
	}
	printStatus(user, st)
	return nil
}

func cmdDisconnect(ctx *cli.Context) error {
	user, err := requireUser(ctx)
	if err != nil {
		return err
	}
	var resp struct {
		Message string `json:"message"`
	}
	if err := getClient(ctx).do(ctx.Context, "POST", "/api/disconnect/"+user, nil, nil, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Message)
	return nil
}

func printStatus(user string, st sessionStatus) {
	fmt.Printf("User:    %s\n", user)
	fmt.Printf("Status:  %s\n", st.Status)
	if st.PhoneNumber != "" {
		fmt.Printf("Phone:   %s\n", st.PhoneNumber)
	}
	if st.Error != "" {
		fmt.Printf("Error:   %s (%s)\n", st.Error, st.ErrorCode)
	}
	fmt.Printf("Message: %s\n", st.Message)
}

// writeQR decodes the PNG data URL returned by the daemon.
func writeQR(path, dataURL string) error {
	_, payload, ok := strings.Cut(dataURL, ",")
	if !ok {
		return fmt.Errorf("unexpected QR code format")
	}
	png, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("decode QR code: %w", err)
	}
	return os.WriteFile(path, png, 0600)
}
