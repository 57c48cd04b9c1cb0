package onboarding

// Reply texts sent during the flow. Kept in one place so product copy
// changes don't touch the state machine.
const (
	ReplyWelcome = "Welcome! This number isn't linked to an account yet. " +
		"Reply YES to set one up, or STOP to opt out."
	ReplyConsentRepeat = "Reply YES to continue or STOP to opt out."
	ReplyAskEmail      = "Great! What's your email address?"
	ReplyBadEmail      = "That doesn't look like an email address. Please send just your email, like name@example.com."
	ReplyAskName       = "Thanks! And what's your name?"
	ReplyBadName       = "That name is too long. Please send a shorter one."
	ReplyOptedOut      = "You've been opted out and won't receive further messages. Reply START to opt back in."
	ReplyCodePrompt    = "Your verification code is %s. It expires in 10 minutes."
	ReplyCodeAccepted  = "You're all set! Your number is verified and linked to your account."
	ReplyCodeWrong     = "That code doesn't match. You have %d attempts left."
	ReplyCodeExpired   = "That code has expired. We've started over; reply YES to try again."
	ReplyCodeLocked    = "Too many incorrect attempts. We've started over; reply YES to try again."
	ReplySignupLink    = "Almost done! Finish creating your account here: %s"
	ReplySignupWaiting = "We're waiting for you to finish signup. Use the link we sent, or reply RESEND for a new one."
	ReplyHelp          = "This is an automated assistant. Reply STOP to opt out or HELP for this message."
	ReplyMMSRejected   = "MMS is not supported. Please send a text message."
	ReplyFallback      = "I'm having trouble right now, please try again in a minute."
)
