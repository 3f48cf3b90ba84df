package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"time"

	"tweetbook.app/internal/auth"
	"tweetbook.app/internal/client"
	"tweetbook.app/internal/ids"
)

func main() {
	addr := os.Getenv("TWEETBOOK_API_URL")
	if addr == "" {
		addr = "http://localhost:8080"
	}

	c, err := client.New(addr)
	if err != nil {
		log.Fatalf("client for %s: %v", addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	email := "smoke-" + strings.ToLower(ids.New()) + "@chapsas.com"
	const password = "Smoke123!"

	reg, err := c.Register(ctx, email, password)
	if err != nil {
		log.Fatalf("register: %v", err)
	}
	if !reg.Success() {
		log.Fatalf("register rejected: %v", reg.Errors)
	}

	ok, err := c.AddRoleToAccount(ctx, email, "poster")
	if err != nil {
		log.Fatalf("add role: %v", err)
	}
	if !ok {
		log.Fatalf("add role rejected: is the poster role seeded?")
	}

	login, err := c.Login(ctx, email, password)
	if err != nil {
		log.Fatalf("login: %v", err)
	}
	if !login.Success() {
		log.Fatalf("login rejected: %v", login.Errors)
	}

	next, err := c.RefreshSession(ctx, login.Token, login.RefreshToken)
	if err != nil {
		log.Fatalf("refresh: %v", err)
	}
	if !next.Success() {
		log.Fatalf("refresh rejected: %v", next.Errors)
	}
	replay, err := c.RefreshSession(ctx, login.Token, login.RefreshToken)
	if err != nil {
		log.Fatalf("replayed refresh: %v", err)
	}
	if !slices.Equal(replay.Errors, []string{auth.ReasonAlreadyUsed}) {
		log.Fatalf("replayed refresh token was not rejected: %+v", replay)
	}

	me, err := c.Me(ctx, next.Token)
	if err != nil {
		log.Fatalf("me: %v", err)
	}
	if !slices.Contains(me.Roles, "poster") {
		log.Fatalf("rotated token is missing the granted role: %v", me.Roles)
	}

	if err := c.Chapsas(ctx, next.Token); err != nil {
		if errors.Is(err, client.ErrForbidden) {
			log.Fatalf("MustWorkForChapsas denied %s", email)
		}
		log.Fatalf("chapsas: %v", err)
	}

	fmt.Printf("✅ identity smoke test passed: account=%s\n", me.ID)
}
