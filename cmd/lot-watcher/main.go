package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ms-auction/internal/client"
	"ms-auction/internal/logger"
	"ms-auction/internal/models"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

func main() {
	_ = godotenv.Load()

	var (
		apiURL   = flag.String("api", envOr("AUCTION_API_URL", "http://localhost:8085"), "Auction API base URL")
		wsURL    = flag.String("ws", envOr("AUCTION_WS_URL", ""), "Websocket URL (defaults to <api>/ws)")
		token    = flag.String("token", os.Getenv("AUCTION_TOKEN"), "Bearer token")
		lotID    = flag.String("lot", "", "Lot to watch")
		interval = flag.Duration("interval", client.DefaultPollInterval, "Polling interval")
		bid      = flag.String("bid", "", "Place a bid of this amount once connected")
		message  = flag.String("message", "", "Message attached to the bid")
	)
	flag.Parse()

	if *lotID == "" || *token == "" {
		flag.Usage()
		fmt.Fprintln(os.Stderr, "\nError: --lot and --token are required")
		os.Exit(1)
	}
	if *wsURL == "" {
		*wsURL = "ws" + strings.TrimPrefix(strings.TrimRight(*apiURL, "/"), "http") + "/ws"
	}

	log := logger.NewConsoleLogger(os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	view := client.NewLotView(*lotID)
	api := client.NewAPI(*apiURL, *token)

	session := client.NewSession(*wsURL, *token, log)
	session.OnStateChange = func(from, to client.State) {
		fmt.Printf("channel %s -> %s\n", from, to)
	}
	session.OnEvent = func(ev models.Event) {
		switch e := ev.(type) {
		case models.BidRejected:
			fmt.Printf("bid %s rejected: %s\n", e.Amount, e.Reason)
		case models.RoomJoined:
			fmt.Printf("watching %s with %d members\n", e.LotID, e.Members)
		default:
			if view.ApplyEvent(ev) {
				printState(view.State())
			}
		}
	}
	if err := session.Watch(*lotID); err != nil {
		log.Fatal("CLIENT", err.Error())
	}

	poller := client.NewPoller(api, *lotID, func(s client.Snapshot) {
		if view.ApplySnapshot(s) {
			printState(view.State())
		}
	})
	poller.Interval = *interval
	poller.OnError = func(err error) {
		log.Warn("CLIENT", fmt.Sprintf("Poll failed: %v", err))
	}
	if err := poller.Start(ctx); err != nil {
		log.Fatal("CLIENT", err.Error())
	}
	defer poller.Stop()

	if *bid != "" {
		amount, err := decimal.NewFromString(*bid)
		if err != nil {
			log.Fatal("CLIENT", fmt.Sprintf("invalid bid amount %q: %v", *bid, err))
		}
		go placeBid(ctx, api, *lotID, amount, *message)
	}

	if err := session.Run(ctx); err != nil {
		log.Warn("CLIENT", fmt.Sprintf("Channel gave up, continuing on polling only: %v", err))
		<-ctx.Done()
	}
}

// placeBid goes over HTTP so a dead channel never blocks it.
func placeBid(ctx context.Context, api *client.API, lotID string, amount decimal.Decimal, message string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	view, err := api.PlaceBid(ctx, lotID, amount, message)
	if err != nil {
		fmt.Printf("bid %s failed: %v\n", amount, err)
		return
	}
	fmt.Printf("bid %s accepted as %s\n", view.Amount, view.Status)
}

func printState(s client.LotState) {
	status := string(s.Status)
	if !s.Ended {
		status = fmt.Sprintf("%s, %s left", status, s.TimeRemaining(time.Now()).Round(time.Second))
	}
	fmt.Printf("[%s] %s %s leader=%s bids=%d (%s)\n",
		s.LotID, s.Price.StringFixed(2), s.Currency, s.LeaderID, s.BidsCount, status)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
