// Command smoke-selection exercises a running API end to end: it creates a
// selection process through the creation flow, activates it, completes every
// turn and verifies the terminal state.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"equiduty.org/internal/selection"
	"equiduty.org/internal/selection/remote"
	"equiduty.org/internal/wizard"
)

func main() {
	baseURL := os.Getenv("EQUIDUTY_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	stableID := os.Getenv("EQUIDUTY_SMOKE_STABLE")
	if stableID == "" {
		stableID = "stable-aspen"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	adminToken, err := issueToken(ctx, baseURL, "smoke-admin", []string{"admin"})
	if err != nil {
		log.Fatalf("issue admin token: %v", err)
	}
	admin := remote.New(baseURL, remote.WithToken(adminToken))

	members, err := admin.GetStableMembers(ctx, stableID)
	if err != nil {
		log.Fatalf("fetch members: %v", err)
	}
	if len(members) < selection.MinMembers {
		log.Fatalf("stable %s has %d members, need at least %d", stableID, len(members), selection.MinMembers)
	}

	start := selection.Today().AddDays(1)
	wz := wizard.New(admin, nil, "", stableID)
	wz.SetName(fmt.Sprintf("Smoke run %d", time.Now().Unix()))
	wz.SetDates(start, start.AddDays(13))
	if err := wz.SetAlgorithm(selection.AlgorithmManual); err != nil {
		log.Fatalf("set algorithm: %v", err)
	}
	if err := wz.Next(ctx); err != nil {
		log.Fatalf("load members: %v", err)
	}
	for _, m := range wz.State().Candidates {
		wz.SelectMember(m)
	}
	if err := wz.GoToStep(ctx, wizard.StepReview); err != nil {
		log.Fatalf("reach review: %v", err)
	}

	p, err := wz.Submit(ctx)
	if err != nil {
		log.Fatalf("create process: %v", err)
	}
	if err := selection.ValidateTurnOrder(p.Turns); err != nil {
		log.Fatalf("turn order invalid after create: %v", err)
	}
	log.Printf("created %s with %d turns", p.ID, len(p.Turns))

	if err := admin.StartProcess(ctx, p.ID); err != nil {
		log.Fatalf("start process: %v", err)
	}

	// Each holder completes their own turn.
	completed := false
	for i, turn := range p.Turns {
		holderToken, err := issueToken(ctx, baseURL, turn.UserID, []string{"member"})
		if err != nil {
			log.Fatalf("issue holder token: %v", err)
		}
		holder := remote.New(baseURL, remote.WithToken(holderToken))
		res, err := holder.CompleteTurn(ctx, p.ID, fmt.Sprintf("smoke-%s-%d", p.ID, i))
		if err != nil {
			log.Fatalf("complete turn %d: %v", i+1, err)
		}
		completed = res.ProcessCompleted
	}
	if !completed {
		log.Fatal("final turn did not complete the process")
	}

	pc, err := admin.GetProcess(ctx, p.ID)
	if err != nil {
		log.Fatalf("reload process: %v", err)
	}
	if pc.Process.Status != selection.StatusCompleted {
		log.Fatalf("expected completed process, got %s", pc.Process.Status)
	}
	if err := selection.ValidateTurnOrder(pc.Process.Turns); err != nil {
		log.Fatalf("turn order invalid after completion: %v", err)
	}

	fmt.Printf("selection smoke test passed: process=%s turns=%d\n", p.ID, len(pc.Process.Turns))
}

func issueToken(ctx context.Context, baseURL, user string, roles []string) (string, error) {
	payload := map[string]any{
		"user":  user,
		"roles": roles,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/auth/token", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint: %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("empty token returned")
	}
	return out.Token, nil
}
