package intent

import "regexp"

// Bucket groups patterns by the decision they vote for.
type Bucket string

const (
	BucketApproval    Bucket = "approval"
	BucketRejection   Bucket = "rejection"
	BucketAbandonment Bucket = "abandonment"
	BucketQuestion    Bucket = "question"
)

// Pattern is one weighted vote. Patterns live in a declarative table so
// they can be tuned and unit-tested independently of the classifier.
type Pattern struct {
	Bucket Bucket
	Regex  *regexp.Regexp
	Weight float64
}

// commentPatterns votes for the four decision buckets. Comments arrive in
// English and French; both are covered.
var commentPatterns = []Pattern{
	// Approvals.
	{BucketApproval, regexp.MustCompile(`(?i)\b(lgtm|looks good( to me)?|approved?|ship it)\b`), 0.9},
	{BucketApproval, regexp.MustCompile(`(?i)^\s*(yes|yep|yeah|ok(ay)?|sure|go ahead)\b`), 0.7},
	{BucketApproval, regexp.MustCompile(`(?i)^\s*(oui|ouais|d'accord|parfait|nickel|vas[- ]y|c'est bon)\b`), 0.7},
	{BucketApproval, regexp.MustCompile(`(?i)\b(merge it|valide|go for it|tu peux merger)\b`), 0.8},
	{BucketApproval, regexp.MustCompile(`(?i)(👍|✅|:\+1:|:white_check_mark:)`), 0.6},

	// Rejections.
	{BucketRejection, regexp.MustCompile(`(?i)^\s*(no|nope|non|pas (comme ça|ça))\b`), 0.7},
	{BucketRejection, regexp.MustCompile(`(?i)\b(change|fix|redo|rework|wrong|incorrect|instead)\b`), 0.5},
	{BucketRejection, regexp.MustCompile(`(?i)\b(modifie|corrige|refais|renomme|change[sz]?|plutôt|à la place)\b`), 0.5},
	{BucketRejection, regexp.MustCompile(`(?i)\b(doesn'?t work|ne (marche|fonctionne) pas|broken|cassé)\b`), 0.6},
	{BucketRejection, regexp.MustCompile(`(?i)(👎|❌|:-1:|:x:)`), 0.6},

	// Abandonment.
	{BucketAbandonment, regexp.MustCompile(`(?i)\b(abandon|cancel( this)?|drop (it|this)|forget (it|about it)|give up)\b`), 0.9},
	{BucketAbandonment, regexp.MustCompile(`(?i)\b(laisse tomber|abandonne|annule|on arrête|stop tout)\b`), 0.9},
	{BucketAbandonment, regexp.MustCompile(`(?i)\b(not needed anymore|plus besoin|obsolete|won'?t fix)\b`), 0.7},

	// Questions.
	{BucketQuestion, regexp.MustCompile(`\?\s*$`), 0.5},
	{BucketQuestion, regexp.MustCompile(`(?i)^\s*(why|how|what|when|where|which|pourquoi|comment|quand|quel(le)?s?|est-ce que)\b`), 0.6},
	{BucketQuestion, regexp.MustCompile(`(?i)\b(can you explain|explique|qu'est[- ]ce|what does)\b`), 0.6},
}

// agentSignaturePatterns identify the orchestrator's own comments so the
// detector never triggers on them.
var agentSignaturePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)— ?ticketpilot\b`),
	regexp.MustCompile(`(?i)\bautomated (comment|update) by\b`),
	regexp.MustCompile(`🤖`),
	regexp.MustCompile(`(?i)\[bot\]`),
	regexp.MustCompile(`(?i)\bawaiting (human )?validation\b`),
}

// explicitRequestPatterns vote for "this update is a new instruction".
var explicitRequestPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(please|pls|can you|could you|peux[- ]tu|pourrais[- ]tu|stp|svp)\b`),
	regexp.MustCompile(`(?i)\b(add|implement|create|remove|delete|update|refactor|rename)\b`),
	regexp.MustCompile(`(?i)\b(ajoute[rz]?|implémente|crée|supprime|enlève|mets? à jour|renomme)\b`),
	regexp.MustCompile(`(?i)\b(also|aussi|en plus|additionally|as well)\b`),
}

// questionRequestPatterns vote more weakly: questions sometimes carry work.
var questionRequestPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\?`),
	regexp.MustCompile(`(?i)\b(would it be possible|serait-il possible|is there a way)\b`),
}

// technicalKeywords feed the detector's context bonus.
var technicalKeywords = regexp.MustCompile(`(?i)\b(api|endpoint|test|bug|fix|branch|merge|deploy|config|metric|prometheus|database|migration|fichier|file|function|fonction|class|module)\b`)
