package pow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kairosdev/kairos/internal/kairoserr"
	"github.com/kairosdev/kairos/internal/kv"
	"github.com/kairosdev/kairos/internal/types"
)

const space = "space:default"

func newEngine() *Engine {
	return New(kv.NewMemoryStore(), "kairos:")
}

func step(index, count int) *types.Memory {
	return &types.Memory{
		UUID:  "11111111-1111-4111-8111-11111111111" + string(rune('0'+index)),
		Label: "step",
		Text:  "body",
		Chain: &types.ChainRef{ID: "cccccccc-cccc-4ccc-8ccc-cccccccccccc", StepIndex: index, StepCount: count},
		ProofOfWork: &types.ProofOfWork{
			Type:    types.ChallengeComment,
			Comment: &types.CommentChallenge{MinLength: 5},
		},
		SpaceID: space,
	}
}

func commentSolution(nonce, priorHash, text string) *types.Solution {
	return &types.Solution{
		Type:      types.ChallengeComment,
		Nonce:     nonce,
		ProofHash: priorHash,
		Comment:   &types.CommentSolution{Text: text},
	}
}

func TestBuildChallengeIssuesFreshNonce(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	m := step(1, 2)

	first, err := e.BuildChallenge(ctx, space, m, GenesisHash)
	require.NoError(t, err)
	require.NotEmpty(t, first.Nonce)
	require.Equal(t, GenesisHash, first.ProofHash)
	require.Equal(t, types.ChallengeComment, first.Type)

	second, err := e.BuildChallenge(ctx, space, m, GenesisHash)
	require.NoError(t, err)
	require.NotEqual(t, first.Nonce, second.Nonce)

	// The first nonce is superseded.
	out, err := e.Validate(ctx, space, m, commentSolution(first.Nonce, GenesisHash, "did the work"), GenesisHash)
	require.NoError(t, err)
	require.False(t, out.OK)
	require.Equal(t, kairoserr.CodeNonceMismatch, out.ErrorCode)
}

func TestValidateSuccessChainsHashes(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	s1, s2 := step(1, 2), step(2, 2)

	ch1, err := e.BuildChallenge(ctx, space, s1, GenesisHash)
	require.NoError(t, err)

	out1, err := e.Validate(ctx, space, s1, commentSolution(ch1.Nonce, GenesisHash, "step one done"), GenesisHash)
	require.NoError(t, err)
	require.True(t, out1.OK)
	require.Len(t, out1.ProofHash, 64)
	require.NotEqual(t, GenesisHash, out1.ProofHash)

	// Step 2 must echo step 1's hash.
	prior, err := e.ExpectedPriorHash(ctx, space, s2, s1.UUID)
	require.NoError(t, err)
	require.Equal(t, out1.ProofHash, prior)

	ch2, err := e.BuildChallenge(ctx, space, s2, prior)
	require.NoError(t, err)
	out2, err := e.Validate(ctx, space, s2, commentSolution(ch2.Nonce, prior, "step two done"), prior)
	require.NoError(t, err)
	require.True(t, out2.OK)
	require.NotEqual(t, out1.ProofHash, out2.ProofHash)
}

func TestExpectedPriorHash(t *testing.T) {
	ctx := context.Background()
	e := newEngine()

	// Step 1 and singletons start from genesis.
	prior, err := e.ExpectedPriorHash(ctx, space, step(1, 2), "")
	require.NoError(t, err)
	require.Equal(t, GenesisHash, prior)

	single := &types.Memory{UUID: "22222222-2222-4222-8222-222222222222", SpaceID: space}
	prior, err = e.ExpectedPriorHash(ctx, space, single, "")
	require.NoError(t, err)
	require.Equal(t, GenesisHash, prior)

	// Step 2 without a solved step 1 is blocked.
	_, err = e.ExpectedPriorHash(ctx, space, step(2, 2), step(1, 2).UUID)
	require.True(t, kairoserr.Is(err, kairoserr.CodePreviousProofMissing))
}

func TestValidateRetryEscalation(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	m := step(1, 2)

	ch, err := e.BuildChallenge(ctx, space, m, GenesisHash)
	require.NoError(t, err)

	// First failure: must_obey stays true, agent may retry.
	out, err := e.Validate(ctx, space, m, commentSolution("stale-nonce", GenesisHash, "long enough text"), GenesisHash)
	require.NoError(t, err)
	require.False(t, out.OK)
	require.True(t, out.MustObey)
	require.False(t, out.Blocked)
	require.Equal(t, kairoserr.CodeNonceMismatch, out.ErrorCode)
	require.Equal(t, 1, out.RetryCount)

	// Second failure: budget exhausted, chain blocked, must_obey drops.
	out, err = e.Validate(ctx, space, m, commentSolution("stale-nonce", GenesisHash, "long enough text"), GenesisHash)
	require.NoError(t, err)
	require.False(t, out.OK)
	require.False(t, out.MustObey)
	require.True(t, out.Blocked)
	require.Equal(t, kairoserr.CodeMaxRetriesExceeded, out.ErrorCode)

	blocked, err := e.Blocked(ctx, space, m.Chain.ID)
	require.NoError(t, err)
	require.True(t, blocked)
	_ = ch
}

func TestValidateSuccessResetsRetries(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	m := step(1, 1)

	ch, err := e.BuildChallenge(ctx, space, m, GenesisHash)
	require.NoError(t, err)

	out, err := e.Validate(ctx, space, m, commentSolution(ch.Nonce, GenesisHash, "hi"), GenesisHash)
	require.NoError(t, err)
	require.False(t, out.OK)
	require.Equal(t, kairoserr.CodeCommentTooShort, out.ErrorCode)
	require.Equal(t, 1, out.RetryCount)

	ch, err = e.BuildChallenge(ctx, space, m, GenesisHash)
	require.NoError(t, err)
	out, err = e.Validate(ctx, space, m, commentSolution(ch.Nonce, GenesisHash, "a proper observation"), GenesisHash)
	require.NoError(t, err)
	require.True(t, out.OK)
	require.Equal(t, 0, e.RetryCount(ctx, space, m.UUID))
}

func TestValidateShapeChecks(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	m := step(1, 1)
	ch, err := e.BuildChallenge(ctx, space, m, GenesisHash)
	require.NoError(t, err)

	// nil solution
	out, err := e.Validate(ctx, space, m, nil, GenesisHash)
	require.NoError(t, err)
	require.Equal(t, kairoserr.CodeMissingSolution, out.ErrorCode)

	require.NoError(t, e.ClearStep(ctx, space, m.UUID))
	require.NoError(t, e.ClearChain(ctx, space, m.Chain.ID))

	// wrong type
	ch, err = e.BuildChallenge(ctx, space, m, GenesisHash)
	require.NoError(t, err)
	out, err = e.Validate(ctx, space, m, &types.Solution{
		Type:      types.ChallengeShell,
		Nonce:     ch.Nonce,
		ProofHash: GenesisHash,
		Shell:     &types.ShellSolution{Cmd: "true", ExitCode: 0},
	}, GenesisHash)
	require.NoError(t, err)
	require.Equal(t, kairoserr.CodeTypeMismatch, out.ErrorCode)
}

func TestValidateWrongPriorHash(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	m := step(1, 1)
	ch, err := e.BuildChallenge(ctx, space, m, GenesisHash)
	require.NoError(t, err)

	out, err := e.Validate(ctx, space, m,
		commentSolution(ch.Nonce, "deadbeef", "a proper observation"), GenesisHash)
	require.NoError(t, err)
	require.False(t, out.OK)
	require.Equal(t, kairoserr.CodeProofHashMismatch, out.ErrorCode)
}

func TestShellSolutionRules(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	m := step(1, 1)
	m.ProofOfWork = &types.ProofOfWork{
		Type:  types.ChallengeShell,
		Shell: &types.ShellChallenge{Cmd: "make test", TimeoutSeconds: 10, RequireOutput: true},
	}

	cases := []struct {
		name string
		sol  types.ShellSolution
		code kairoserr.Code
	}{
		{"nonzero exit", types.ShellSolution{Cmd: "make test", ExitCode: 1, Stdout: "x"}, kairoserr.CodeShellNonzero},
		{"no output", types.ShellSolution{Cmd: "make test", ExitCode: 0}, kairoserr.CodeShellNonzero},
		{"too slow", types.ShellSolution{Cmd: "make test", ExitCode: 0, Stdout: "ok", DurationMS: 60000}, kairoserr.CodeShellNonzero},
		{"ok", types.ShellSolution{Cmd: "make test", ExitCode: 0, Stdout: "ok", DurationMS: 500}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ch, err := e.BuildChallenge(ctx, space, m, GenesisHash)
			require.NoError(t, err)
			sol := tc.sol
			out, err := e.Validate(ctx, space, m, &types.Solution{
				Type:      types.ChallengeShell,
				Nonce:     ch.Nonce,
				ProofHash: GenesisHash,
				Shell:     &sol,
			}, GenesisHash)
			require.NoError(t, err)
			if tc.code == "" {
				require.True(t, out.OK)
			} else {
				require.Equal(t, tc.code, out.ErrorCode)
			}
			// Reset state between cases.
			require.NoError(t, e.ClearStep(ctx, space, m.UUID))
			require.NoError(t, e.ClearChain(ctx, space, m.Chain.ID))
		})
	}
}

func TestClearStepAllowsRestart(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	m := step(1, 1)

	ch, err := e.BuildChallenge(ctx, space, m, GenesisHash)
	require.NoError(t, err)
	out, err := e.Validate(ctx, space, m, commentSolution(ch.Nonce, GenesisHash, "solved properly"), GenesisHash)
	require.NoError(t, err)
	require.True(t, out.OK)

	hash, ok, err := e.SuccessHash(ctx, space, m.UUID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, out.ProofHash, hash)

	require.NoError(t, e.ClearStep(ctx, space, m.UUID))
	_, ok, err = e.SuccessHash(ctx, space, m.UUID)
	require.NoError(t, err)
	require.False(t, ok)
}
