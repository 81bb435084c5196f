package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gpu-claim-bot/allocator"
	"gpu-claim-bot/blockkit"
	"gpu-claim-bot/telemetry"

	"github.com/slack-go/slack"
)

const (
	clockLayout     = "03:04 PM MST"
	dashboardLayout = "03:04 PM MST, January 02"
)

func claimBlocks(gpuID string, c *allocator.Claim, loc *time.Location) []slack.Block {
	return []slack.Block{
		blockkit.Section(fmt.Sprintf(
			"🎉 *GPU %s Successfully Claimed!*\n\n👤 *User:* %s\n📝 *Purpose:* `%s`\n⏰ *Duration:* %s\n🕒 *Release Time:* ~%s",
			gpuID, c.UserName, c.Purpose, allocator.FormatDuration(c.Duration()), c.ExpiresAt.In(loc).Format(clockLayout))),
		blockkit.Context(fmt.Sprintf("💡 _Remember to use `/gpu release %s` when you're done!_", gpuID)),
	}
}

func releaseBlocks(res allocator.ReleaseResult, userName string) []slack.Block {
	if res.AlreadyAvailable {
		return blockkit.Info("GPU Already Available", fmt.Sprintf("GPU `%s` is already available. No action needed!", res.GPUID))
	}
	return blockkit.Success(fmt.Sprintf("GPU %s Successfully Released by %s!", res.GPUID, userName), "Thank you for freeing it up! 🙏")
}

// Remaining renders the time left on a claim: "1h 5m remaining", "12m
// remaining" or "Expired".
func Remaining(d time.Duration) string {
	if d <= 0 {
		return "Expired"
	}
	hours := int(d / time.Hour)
	minutes := int((d % time.Hour) / time.Minute)
	if hours > 0 {
		return fmt.Sprintf("%dh %dm remaining", hours, minutes)
	}
	return fmt.Sprintf("%dm remaining", minutes)
}

func statusBlocks(rows []allocator.GPUStatus, now time.Time, loc *time.Location) []slack.Block {
	blocks := []slack.Block{
		blockkit.Header("🎯 GPU Allocation Dashboard"),
		blockkit.Context(fmt.Sprintf("📅 Updated: %s | Total GPUs: %d", now.In(loc).Format(dashboardLayout), len(rows))),
		blockkit.Divider(),
	}
	for _, row := range rows {
		c := row.Record.Claim
		if c == nil {
			blocks = append(blocks, blockkit.Section(fmt.Sprintf("✅ *GPU %s*\nStatus: Available for use", row.ID)))
		} else {
			blocks = append(blocks, blockkit.Section(fmt.Sprintf(
				"🔴 *GPU %s - In Use*\n👤 User: %s\n📝 Purpose: `%s`\n⏰ Until: ~%s\n⏳ %s",
				row.ID, c.UserName, c.Purpose, c.ExpiresAt.In(loc).Format(clockLayout), Remaining(row.Remaining))))
		}
		blocks = append(blocks, blockkit.Divider())
	}
	blocks = append(blocks, blockkit.Context("💡 Use `/gpu claim <id> <purpose> [duration]` to reserve a GPU"))
	return blocks
}

func realtimeBlocks(snap *telemetry.Snapshot, now time.Time, loc *time.Location) []slack.Block {
	blocks := []slack.Block{
		blockkit.Header("🚀 GPU Real-Time Status Dashboard"),
		blockkit.Context("📅 Last updated: " + now.In(loc).Format(dashboardLayout)),
	}
	if len(snap.Devices) == 0 {
		return append(blocks, blockkit.Section("⚠️ *No NVIDIA GPUs detected*"))
	}
	for _, d := range snap.Devices {
		mem := "N/A"
		if pct, ok := d.MemoryPercent(); ok {
			mem = strconv.FormatFloat(pct, 'f', 1, 64) + "%"
		}
		blocks = append(blocks,
			blockkit.Divider(),
			blockkit.Section(fmt.Sprintf("%s *GPU %d: %s*\nStatus: %s", loadEmoji(d.Load()), d.Index, d.Name, d.Load())),
			blockkit.Fields(
				"🌡️ *Temperature:*\n"+metric(d.TemperatureC)+"°C",
				"⚡ *GPU Utilization:*\n"+metric(d.UtilizationPct)+"%",
				"💾 *Memory Usage:*\n"+metric(d.MemUsedMiB)+"MiB / "+metric(d.MemTotalMiB)+"MiB",
				"📊 *Memory %:*\n"+mem,
			),
		)
		procs := snap.Processes[d.UUID]
		if len(procs) == 0 {
			blocks = append(blocks, blockkit.Section("🔄 *Active Processes:*\nNo processes running"))
			continue
		}
		lines := make([]string, 0, len(procs))
		for _, p := range procs {
			lines = append(lines, fmt.Sprintf("• `%s` (PID: %s) - %sMiB", p.Name, p.PID, metric(p.MemMiB)))
		}
		blocks = append(blocks, blockkit.Section(fmt.Sprintf("🔄 *Active Processes (%d):*\n%s", len(procs), strings.Join(lines, "\n"))))
	}
	return blocks
}

func metric(v int) string {
	if v < 0 {
		return "N/A"
	}
	return strconv.Itoa(v)
}

func loadEmoji(l telemetry.Load) string {
	switch l {
	case telemetry.LoadHigh:
		return "🔥"
	case telemetry.LoadIdle:
		return "💤"
	}
	return "⚡"
}

func helpBlocks() []slack.Block {
	return []slack.Block{
		blockkit.Header("🤖 GPU Tracker Bot - Help Guide"),
		blockkit.Divider(),
		blockkit.Section("📊 *Status Commands*\n• `/gpu status` or `/gpu` - Check allocation status\n• `/gpu realtime` - View real-time GPU performance"),
		blockkit.Section("🎯 *Management Commands*\n• `/gpu claim <id> <purpose> [duration]` - Reserve a GPU\n• `/gpu release <id>` - Release your claimed GPU"),
		blockkit.Divider(),
		blockkit.Section("💡 *Examples*\n```\n/gpu claim 0 training model 3h\n/gpu release 1\n/gpu realtime\n/gpu status\n```"),
		blockkit.Section("⏰ *Duration Formats*\n• `30m` - 30 minutes\n• `1h` - 1 hour\n• `2h` - 2 hours\n• `4h` - 4 hours\n• `8h` - 8 hours\n• `12h` - 12 hours"),
		blockkit.Context("💡 _Claims automatically expire at the specified release time_"),
	}
}

func errorBlocks(err error) []slack.Block {
	var (
		formatErr     *FormatError
		notFoundErr   *allocator.NotFoundError
		conflictErr   *allocator.ConflictError
		permissionErr *allocator.PermissionError
		telemetryErr  *TelemetryError
	)
	switch {
	case errors.As(err, &formatErr):
		return blockkit.Error("Invalid Command Format", formatErr.Usage)
	case errors.As(err, &notFoundErr):
		ids := make([]string, 0, len(notFoundErr.Valid))
		for _, id := range notFoundErr.Valid {
			ids = append(ids, "`"+id+"`")
		}
		return blockkit.Error("GPU Not Found", fmt.Sprintf("GPU `%s` does not exist.\n*Available GPUs:* %s", notFoundErr.GPUID, strings.Join(ids, ", ")))
	case errors.As(err, &conflictErr):
		return blockkit.Error("GPU Already in Use", fmt.Sprintf("GPU `%s` is currently being used by *%s*.", conflictErr.GPUID, conflictErr.Holder.UserName))
	case errors.As(err, &permissionErr):
		return blockkit.Error("Permission Denied", fmt.Sprintf("You cannot release GPU `%s`. It was claimed by *%s*.", permissionErr.GPUID, permissionErr.Holder.UserName))
	case errors.As(err, &telemetryErr):
		return telemetryErrorBlocks(telemetryErr.Err)
	case errors.Is(err, allocator.ErrLockTimeout):
		return blockkit.Error("System Busy", "GPU status is being updated by another request. Please try again in a moment.")
	}
	return blockkit.Error("System Error", "Failed to access GPU status. Please try again later.")
}

func telemetryErrorBlocks(err error) []slack.Block {
	var exitErr *telemetry.ExitError
	switch {
	case errors.Is(err, telemetry.ErrToolNotFound):
		return blockkit.Error("NVIDIA Driver Error", "The `nvidia-smi` command was not found. Please ensure NVIDIA drivers are installed.")
	case errors.Is(err, telemetry.ErrTimeout):
		return blockkit.Error("Timeout Error", "The GPU query timed out. Please try again later.")
	case errors.As(err, &exitErr):
		msg := exitErr.Stderr
		if msg == "" {
			msg = "Unknown error"
		}
		return blockkit.Error("NVIDIA Driver Error", "The `nvidia-smi` command failed to execute.\n*Error:* "+msg)
	}
	return blockkit.Error("Unexpected Error", "An unexpected error occurred: "+err.Error())
}
