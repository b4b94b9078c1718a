package audit

const (
	SuspiciousThreshold = 60

	scoreNewIP         = 40
	scoreNewUserAgent  = 20
	scorePerFailure    = 10
	maxFailureScore    = 40
	signalNewIP        = "new_ip"
	signalNewUserAgent = "new_user_agent"
	signalFailures     = "recent_failures"
)

type Risk struct {
	Score               int      `json:"score"`
	Suspicious          bool     `json:"suspicious"`
	Signals             []string `json:"signals,omitempty"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
}

// assessRisk scores a login against the owner's recent history, newest
// first. An owner with no successful login in the window has no baseline,
// so only the failure streak counts.
func assessRisk(history []Attempt, clientIP, userAgent string) Risk {
	var risk Risk

	knownIP := false
	knownAgent := false
	baseline := false
	streakOpen := true
	for _, a := range history {
		if a.Result == ResultSuccess {
			baseline = true
			streakOpen = false
			if a.ClientIP == clientIP {
				knownIP = true
			}
			if a.UserAgent == userAgent {
				knownAgent = true
			}
			continue
		}
		if streakOpen && a.Result == ResultFailed {
			risk.ConsecutiveFailures++
		}
	}

	if baseline && !knownIP {
		risk.Score += scoreNewIP
		risk.Signals = append(risk.Signals, signalNewIP)
	}
	if baseline && !knownAgent {
		risk.Score += scoreNewUserAgent
		risk.Signals = append(risk.Signals, signalNewUserAgent)
	}
	if risk.ConsecutiveFailures > 0 {
		risk.Score += min(risk.ConsecutiveFailures*scorePerFailure, maxFailureScore)
		risk.Signals = append(risk.Signals, signalFailures)
	}
	risk.Suspicious = risk.Score >= SuspiciousThreshold
	return risk
}
