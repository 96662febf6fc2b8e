package bot

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"botforge/internal/models"
	"botforge/internal/platform"
)

// builtinNames lists the commands every tenant gets without configuration.
var builtinNames = []string{
	"!8ball", "!accept", "!balance", "!commands", "!duel", "!gamble",
	"!leaderboard", "!redeem", "!roulette", "!slots", "!so", "!song", "!trivia",
}

// runCommand handles a "!" message. Returns true when the message was
// consumed, whether or not it produced output.
func (p *Pipeline) runCommand(ctx context.Context, msg platform.ChatMessage) bool {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return false
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	if p.runCustomCommand(msg, name) {
		return true
	}

	switch strings.TrimPrefix(name, "!") {
	case "commands":
		p.cmdCommands(msg)
	case "so", "shoutout":
		p.cmdShoutout(msg, args)
	case "8ball":
		p.cmd8Ball(msg, args)
	case "trivia":
		p.cmdTrivia(msg)
	case "duel":
		p.cmdDuel(msg, args)
	case "accept":
		p.cmdAccept(msg)
	case "slots":
		p.cmdSlots(msg, args)
	case "roulette":
		p.cmdRoulette(msg, args)
	case "balance":
		p.cmdBalance(msg)
	case "gamble":
		p.cmdGamble(msg, args)
	case "leaderboard":
		p.cmdLeaderboard(msg)
	case "redeem":
		p.cmdRedeem(msg, args)
	case "song":
		p.cmdSong(ctx, msg)
	default:
		return false
	}
	return true
}

func (p *Pipeline) runCustomCommand(msg platform.ChatMessage, name string) bool {
	cmd, ok := p.repo.GetCommandByName(p.tenantID, name)
	if !ok || !cmd.IsActive {
		return false
	}
	if !msg.Tags.Allows(cmd.PermissionLevel) {
		return true
	}
	now := p.now()
	if cmd.CooldownSeconds > 0 && cmd.LastUsedAt != nil &&
		now.Sub(*cmd.LastUsedAt) < time.Duration(cmd.CooldownSeconds)*time.Second {
		return true
	}
	updated, err := p.repo.RecordCommandUse(cmd.ID, now)
	if err != nil {
		p.logger.Error("record command use", "command", cmd.Name, "error", err)
		updated = cmd
	}
	var response string
	p.withRNG(func(rng *rand.Rand) {
		response = RenderTemplate(cmd.Response, TemplateVars{
			User:    msg.DisplayName,
			Channel: msg.Channel,
			Count:   updated.UsageCount,
			Now:     now,
			Uptime:  p.uptime(msg.Platform),
		}, rng)
	})
	p.reply(msg, response)
	return true
}

func (p *Pipeline) cmdCommands(msg platform.ChatMessage) {
	names := append([]string(nil), builtinNames...)
	for _, cmd := range p.repo.ListCommands(p.tenantID) {
		if cmd.IsActive {
			names = append(names, strings.ToLower(cmd.Name))
		}
	}
	sort.Strings(names)
	p.reply(msg, "Available commands: "+strings.Join(names, " "))
}

func (p *Pipeline) cmdShoutout(msg platform.ChatMessage, args []string) {
	if !msg.Tags.Allows(models.PermissionModerator) {
		return
	}
	if len(args) == 0 {
		p.reply(msg, "Usage: !so <channel>")
		return
	}
	target := strings.TrimPrefix(args[0], "@")
	settings, ok := p.repo.GetShoutoutSettings(p.tenantID)
	if ok && !settings.Enabled {
		return
	}
	template := "Go check out {user}! They are great people."
	if ok && settings.Template != "" {
		template = settings.Template
	}
	var response string
	p.withRNG(func(rng *rand.Rand) {
		response = RenderTemplate(template, TemplateVars{User: target, Channel: msg.Channel, Now: p.now()}, rng)
	})
	p.reply(msg, response)
}

func (p *Pipeline) cmd8Ball(msg platform.ChatMessage, args []string) {
	if len(args) == 0 {
		p.reply(msg, "@"+msg.DisplayName+" ask the 8-ball a question!")
		return
	}
	p.reply(msg, "🎱 "+eightBallAnswers[p.intn(len(eightBallAnswers))])
}

func (p *Pipeline) cmdTrivia(msg platform.ChatMessage) {
	settings, ok := p.repo.GetGameSettings(p.tenantID)
	if ok && !settings.Enabled {
		return
	}
	if _, active := p.repo.GetGameState(p.tenantID, msg.Username, msg.Platform); active {
		return
	}
	if p.gameOnCooldown(msg, "trivia") {
		return
	}
	points := 10
	if ok && settings.TriviaPoints > 0 {
		points = settings.TriviaPoints
	}
	var q triviaQuestion
	p.withRNG(func(rng *rand.Rand) { q = pickTrivia(rng) })
	now := p.now()
	if err := p.repo.PutGameState(models.GameState{
		TenantID:  p.tenantID,
		Username:  msg.Username,
		Platform:  msg.Platform,
		Game:      "trivia",
		Question:  q.question,
		Answer:    q.answer,
		Points:    points,
		CreatedAt: now,
		ExpiresAt: now.Add(triviaTTL),
	}); err != nil {
		p.logger.Error("store trivia state", "error", err)
		return
	}
	p.reply(msg, fmt.Sprintf("@%s trivia for %d points: %s", msg.DisplayName, points, q.question))
}

func (p *Pipeline) cmdDuel(msg platform.ChatMessage, args []string) {
	if len(args) < 2 {
		p.reply(msg, "Usage: !duel @user <amount>")
		return
	}
	target := strings.ToLower(strings.TrimPrefix(args[0], "@"))
	amount, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || amount <= 0 {
		p.reply(msg, "Usage: !duel @user <amount>")
		return
	}
	if target == strings.ToLower(msg.Username) {
		p.reply(msg, "@"+msg.DisplayName+" you cannot duel yourself")
		return
	}
	if !p.canAfford(msg, amount) {
		p.reply(msg, "@"+msg.DisplayName+" you do not have enough points")
		return
	}
	if p.gameOnCooldown(msg, "duel") {
		return
	}
	now := p.now()
	if err := p.repo.PutGameState(models.GameState{
		TenantID:  p.tenantID,
		Username:  target,
		Platform:  msg.Platform,
		Game:      "duel",
		Opponent:  strings.ToLower(msg.Username),
		Points:    int(amount),
		CreatedAt: now,
		ExpiresAt: now.Add(duelTTL),
	}); err != nil {
		p.logger.Error("store duel state", "error", err)
		return
	}
	p.reply(msg, fmt.Sprintf("@%s challenges @%s to a duel for %d points! Type !accept within 2 minutes.",
		msg.DisplayName, target, amount))
}

func (p *Pipeline) cmdAccept(msg platform.ChatMessage) {
	state, ok := p.repo.GetGameState(p.tenantID, msg.Username, msg.Platform)
	if !ok || state.Game != "duel" {
		return
	}
	amount := int64(state.Points)
	challenger := state.Opponent
	if !p.canAfford(msg, amount) {
		p.reply(msg, "@"+msg.DisplayName+" you do not have enough points to accept")
		return
	}
	if err := p.repo.DeleteGameState(p.tenantID, msg.Username, msg.Platform); err != nil {
		p.logger.Error("clear duel state", "error", err)
	}

	winner, loser := challenger, strings.ToLower(msg.Username)
	if p.intn(2) == 0 {
		winner, loser = loser, winner
	}
	if err := p.transfer(msg.Platform, loser, winner, amount, "duel"); err != nil {
		p.logger.Error("duel transfer", "error", err)
		return
	}
	p.reply(msg, fmt.Sprintf("⚔️ @%s wins the duel and takes %d points from @%s!", winner, amount, loser))
}

func (p *Pipeline) cmdSlots(msg platform.ChatMessage, args []string) {
	amount := p.parseWager(msg, args, "Usage: !slots <amount>")
	if amount <= 0 {
		return
	}
	if p.gameOnCooldown(msg, "slots") {
		return
	}
	if !p.debit(msg, amount, "slots wager") {
		return
	}
	var reels [3]string
	var multiplier int64
	p.withRNG(func(rng *rand.Rand) { reels, multiplier = spinSlots(rng) })

	face := strings.Join(reels[:], " ")
	if multiplier == 0 {
		p.reply(msg, fmt.Sprintf("@%s %s - no luck, lost %d", msg.DisplayName, face, amount))
		return
	}
	payout := amount * multiplier
	p.credit(msg, payout, "slots payout")
	p.reply(msg, fmt.Sprintf("@%s %s - you win %d points!", msg.DisplayName, face, payout))
}

func (p *Pipeline) cmdRoulette(msg platform.ChatMessage, args []string) {
	if len(args) < 2 {
		p.reply(msg, "Usage: !roulette <red|black> <amount>")
		return
	}
	amount := p.parseWager(msg, args[1:], "Usage: !roulette <red|black> <amount>")
	if amount <= 0 {
		return
	}
	if p.gameOnCooldown(msg, "roulette") {
		return
	}
	if !p.debit(msg, amount, "roulette wager") {
		return
	}
	var pocket string
	var won bool
	var err error
	p.withRNG(func(rng *rand.Rand) { pocket, won, err = spinRoulette(rng, args[0]) })
	if err != nil {
		p.credit(msg, amount, "roulette refund")
		p.reply(msg, "Usage: !roulette <red|black> <amount>")
		return
	}
	if won {
		p.credit(msg, amount*2, "roulette payout")
		p.reply(msg, fmt.Sprintf("@%s the ball lands on %s - you win %d!", msg.DisplayName, pocket, amount*2))
		return
	}
	p.reply(msg, fmt.Sprintf("@%s the ball lands on %s - you lose %d", msg.DisplayName, pocket, amount))
}

func (p *Pipeline) cmdBalance(msg platform.ChatMessage) {
	name := p.currencyName()
	balance, _ := p.repo.GetBalance(p.tenantID, msg.Username, msg.Platform)
	p.reply(msg, fmt.Sprintf("@%s you have %d %s", msg.DisplayName, balance.Balance, name))
}

func (p *Pipeline) cmdGamble(msg platform.ChatMessage, args []string) {
	amount := p.parseWager(msg, args, "Usage: !gamble <amount>")
	if amount <= 0 {
		return
	}
	if p.gameOnCooldown(msg, "gamble") {
		return
	}
	if !p.debit(msg, amount, "gamble wager") {
		return
	}
	if p.intn(2) == 0 {
		p.credit(msg, amount*2, "gamble payout")
		p.reply(msg, fmt.Sprintf("@%s doubled up! +%d", msg.DisplayName, amount))
		return
	}
	p.reply(msg, fmt.Sprintf("@%s lost the gamble. -%d", msg.DisplayName, amount))
}

func (p *Pipeline) cmdLeaderboard(msg platform.ChatMessage) {
	top := p.repo.TopBalances(p.tenantID, 5)
	if len(top) == 0 {
		p.reply(msg, "No "+p.currencyName()+" earned yet!")
		return
	}
	parts := make([]string, 0, len(top))
	for i, entry := range top {
		parts = append(parts, fmt.Sprintf("%d. %s (%d)", i+1, entry.Username, entry.Balance))
	}
	p.reply(msg, "🏆 "+strings.Join(parts, " | "))
}

func (p *Pipeline) cmdRedeem(msg platform.ChatMessage, args []string) {
	amount := p.parseWager(msg, args, "Usage: !redeem <amount>")
	if amount <= 0 {
		return
	}
	if !p.debit(msg, amount, "redeem") {
		return
	}
	p.reply(msg, fmt.Sprintf("@%s redeemed %d %s! The streamer has been notified.",
		msg.DisplayName, amount, p.currencyName()))
}

func (p *Pipeline) cmdSong(ctx context.Context, msg platform.ChatMessage) {
	if p.spotify == nil {
		return
	}
	playing, err := p.spotify.CurrentTrack(ctx)
	if err != nil {
		p.logger.Warn("now playing lookup failed", "error", err)
		return
	}
	p.reply(msg, "🎵 "+playing.String())
}

func (p *Pipeline) currencyName() string {
	if settings, ok := p.repo.GetCurrencySettings(p.tenantID); ok && settings.CurrencyName != "" {
		return settings.CurrencyName
	}
	return "points"
}

func (p *Pipeline) parseWager(msg platform.ChatMessage, args []string, usage string) int64 {
	if len(args) == 0 {
		p.reply(msg, usage)
		return 0
	}
	amount, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || amount <= 0 {
		p.reply(msg, usage)
		return 0
	}
	return amount
}

func (p *Pipeline) canAfford(msg platform.ChatMessage, amount int64) bool {
	balance, _ := p.repo.GetBalance(p.tenantID, msg.Username, msg.Platform)
	return balance.Balance >= amount
}

// debit removes a wager, replying when the balance is short.
func (p *Pipeline) debit(msg platform.ChatMessage, amount int64, reason string) bool {
	_, err := p.repo.ApplyTransaction(models.CurrencyTransaction{
		TenantID: p.tenantID,
		Username: msg.Username,
		Platform: msg.Platform,
		Delta:    -amount,
		Reason:   reason,
		Kind:     models.TxGamble,
	})
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			p.reply(msg, "@"+msg.DisplayName+" you do not have enough "+p.currencyName())
			return false
		}
		p.logger.Error("debit wager", "user", msg.Username, "error", err)
		return false
	}
	return true
}

func (p *Pipeline) credit(msg platform.ChatMessage, amount int64, reason string) {
	if _, err := p.repo.ApplyTransaction(models.CurrencyTransaction{
		TenantID: p.tenantID,
		Username: msg.Username,
		Platform: msg.Platform,
		Delta:    amount,
		Reason:   reason,
		Kind:     models.TxGamble,
	}); err != nil {
		p.logger.Error("credit payout", "user", msg.Username, "error", err)
	}
}

func (p *Pipeline) transfer(pl models.Platform, from, to string, amount int64, reason string) error {
	if _, err := p.repo.ApplyTransaction(models.CurrencyTransaction{
		TenantID: p.tenantID,
		Username: from,
		Platform: pl,
		Delta:    -amount,
		Reason:   reason,
		Kind:     models.TxGamble,
	}); err != nil {
		return err
	}
	_, err := p.repo.ApplyTransaction(models.CurrencyTransaction{
		TenantID: p.tenantID,
		Username: to,
		Platform: pl,
		Delta:    amount,
		Reason:   reason,
		Kind:     models.TxGamble,
	})
	return err
}
