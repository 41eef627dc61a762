package sender

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"byteflusher/core"
	"byteflusher/protocol"
)

// File job limits
const (
	MaxFileSize  = 50 << 20
	MaxFilesSize = 200 << 20
)

// Line guards. A keystroke lost at the start of a line eats a ';' instead of
// the command.
const (
	guardNone   = ""
	guardNormal = ";;;;;"
	guardStrong = ";;;;;;;;;;"
)

// bootChunk is the size of the bf_boot_append pieces of the encoded bootstrap
const bootChunk = 200

var (
	ErrFileTooLarge = errors.New("file too large")
	ErrTargetDir    = errors.New("target dir must be an absolute drive path in ASCII without spaces")
	ErrNoFiles      = errors.New("no files to send")

	drivePath = regexp.MustCompile(`^[A-Za-z]:\\`)
	tokenJunk = regexp.MustCompile(`[^A-Za-z0-9_]`)
)

// OverwritePolicy says what the bootstrap does with an existing output file
type OverwritePolicy string

const (
	OverwriteFail    OverwritePolicy = "fail"
	OverwriteReplace OverwritePolicy = "overwrite"
	OverwriteBackup  OverwritePolicy = "backup"
)

// ParseOverwritePolicy accepts fail, overwrite or backup
func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch p := OverwritePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case OverwriteFail, OverwriteReplace, OverwriteBackup:
		return p, nil
	}
	return "", fmt.Errorf("unknown overwrite policy %q", s)
}

// FileOptions tunes a file job. The delays pace the host between PowerShell
// lines; the launch delays run on the device as macro sleeps.
type FileOptions struct {
	TargetDir string
	Overwrite OverwritePolicy

	KeyDelayMs   uint16 // all three device delays while the job runs
	LineDelay    time.Duration
	CommandDelay time.Duration
	ChunkChars   int
	ChunkDelay   time.Duration

	RunDialogDelay time.Duration
	LaunchDelay    time.Duration
	BootstrapDelay time.Duration

	// DiagLog keeps the last PowerShell error in <target>\.tmp\bf_last_error.txt
	DiagLog bool
}

// DefaultFileOptions favours accuracy over speed
func DefaultFileOptions() FileOptions {
	return FileOptions{
		TargetDir:      `C:\byteflusher`,
		Overwrite:      OverwriteFail,
		KeyDelayMs:     10,
		LineDelay:      20 * time.Millisecond,
		CommandDelay:   50 * time.Millisecond,
		ChunkChars:     1200,
		ChunkDelay:     20 * time.Millisecond,
		RunDialogDelay: 250 * time.Millisecond,
		LaunchDelay:    1200 * time.Millisecond,
		BootstrapDelay: 200 * time.Millisecond,
		DiagLog:        true,
	}
}

func (o FileOptions) validate() error {
	td := strings.TrimSpace(o.TargetDir)
	if td == "" || !drivePath.MatchString(td) {
		return ErrTargetDir
	}
	for i := 0; i < len(td); i++ {
		if td[i] <= 0x20 || td[i] > 0x7F {
			return ErrTargetDir
		}
	}
	if _, err := ParseOverwritePolicy(string(o.Overwrite)); err != nil {
		return err
	}
	if o.ChunkChars <= 0 {
		return fmt.Errorf("chunk chars must be positive, got %d", o.ChunkChars)
	}
	return nil
}

// File is one file of a job. Path is relative to the target dir and uses
// backslashes.
type File struct {
	Path string
	Data []byte
}

// CollectFiles reads a file, or every file under a folder. A folder keeps
// its own name as the first path element.
func CollectFiles(path string) ([]File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		f, err := readFile(path, info.Name(), info.Size())
		if err != nil {
			return nil, err
		}
		return []File{f}, nil
	}

	root := filepath.Clean(path)
	base := filepath.Base(root)
	var files []File
	total := int64(0)
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		if total > MaxFilesSize {
			return fmt.Errorf("%w: more than %d bytes in %s", ErrFileTooLarge, MaxFilesSize, path)
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		f, err := readFile(p, base+`\`+strings.ReplaceAll(filepath.ToSlash(rel), "/", `\`), info.Size())
		if err != nil {
			return err
		}
		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoFiles
	}
	return files, nil
}

func readFile(path, rel string, size int64) (File, error) {
	if size > MaxFileSize {
		return File{}, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrFileTooLarge, path, size, MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return File{Path: rel, Data: data}, nil
}

// EncodedCommand returns s the way powershell -EncodedCommand takes it:
// base64 of UTF-16LE
func EncodedCommand(s string) (string, error) {
	wide, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wide), nil
}

// FileResult summarises a file job
type FileResult struct {
	Result
	Files int
	Lines int
}

// SendFiles opens PowerShell on the host through the Run dialog and types a
// bootstrap that rebuilds files from base64 lines, checking each against its
// SHA-256. All lines share one text session. An aborted job types the
// cleanup of the work dir before returning ErrAborted.
func (r *Runner) SendFiles(ctx context.Context, files []File, opts FileOptions) (res FileResult, err error) {
	if len(files) == 0 {
		return res, ErrNoFiles
	}
	if err := opts.validate(); err != nil {
		return res, err
	}
	opts.TargetDir = strings.TrimSpace(opts.TargetDir)
	r.aborted.Store(false)

	j := &fileJob{r: r, opts: opts, token: runToken()}
	start := time.Now()
	defer func() {
		if j.s != nil {
			res.Result = j.s.res
		}
		res.Elapsed = time.Since(start)
		res.Lines = j.lines
	}()

	k := opts.KeyDelayMs
	cfg := core.Config{TypingDelayMs: k, ModeSwitchDelayMs: k, KeyPressDelayMs: k, Toggle: r.opts.Device.Toggle}
	if err := r.applyConfig(ctx, cfg); err != nil {
		r.log.Warn("config not applied", "error", err)
	}

	r.log.Info("starting file job", "files", len(files), "target", opts.TargetDir, "run", j.token)
	if err := j.launch(ctx); err != nil {
		return res, err
	}
	j.s = r.newStream(uuid.New())

	err = j.run(ctx, files, &res)
	if errors.Is(err, ErrAborted) {
		j.cleanup(ctx)
		return res, err
	}
	if err != nil {
		return res, err
	}
	if err := j.s.verify(ctx); err != nil {
		j.s.log.Error("file job incomplete", "error", err)
		return res, err
	}
	r.log.Info("file job sent", "files", res.Files, "lines", j.lines)
	return res, nil
}

type fileJob struct {
	r     *Runner
	s     *stream
	opts  FileOptions
	token string
	lines int

	installed bool // bf_* helpers defined in the host shell
}

// launch opens a PowerShell console with macros. The waits run on the
// device, so they stay in order with the keystrokes.
func (j *fileJob) launch(ctx context.Context) error {
	var records [][]byte
	add := func(op protocol.Opcode, payload []byte) error {
		rec, err := protocol.EncodeMacro(op, payload)
		if err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	}
	wait := func(d time.Duration) error {
		ms := d.Milliseconds()
		if ms <= 0 {
			return nil
		}
		return add(protocol.OpSleepMs, protocol.SleepPayload(uint16(min(ms, MaxSleepMs))))
	}

	steps := []func() error{
		func() error { return add(protocol.OpEscape, nil) },
		func() error { return wait(40 * time.Millisecond) },
		func() error { return add(protocol.OpEscape, nil) },
		func() error { return wait(40 * time.Millisecond) },
		func() error { return add(protocol.OpOpenRun, nil) },
		func() error { return wait(j.opts.RunDialogDelay) },
		func() error { return add(protocol.OpForceEnglish, nil) },
		func() error { return wait(50 * time.Millisecond) },
		func() error {
			recs, err := typeRecords("powershell -NoProfile -ExecutionPolicy Bypass -NoExit")
			records = append(records, recs...)
			return err
		},
		func() error { return add(protocol.OpEnter, nil) },
		func() error { return wait(j.opts.LaunchDelay) },
		func() error { return wait(j.settle()) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return j.r.macro(ctx, records)
}

// settle is the extra wait for the console prompt after launch
func (j *fileJob) settle() time.Duration {
	if j.opts.CommandDelay <= 0 {
		return 0
	}
	return max(200*time.Millisecond, min(2*time.Second, j.opts.CommandDelay))
}

func (j *fileJob) run(ctx context.Context, files []File, res *FileResult) error {
	o := j.opts

	// the first lines of a fresh console are the likeliest to lose keys
	warm := max(o.LineDelay, o.CommandDelay)
	for range 3 {
		if err := j.line(ctx, "", guardNone, warm); err != nil {
			return err
		}
	}
	if err := j.line(ctx, fmt.Sprintf("Write-Host 'BF_READY_%s'", j.token), guardStrong, o.CommandDelay); err != nil {
		return err
	}

	for _, l := range launcherLines(j.token, o.TargetDir) {
		d := o.LineDelay
		if strings.HasPrefix(l, "function ") || l == "}" {
			d = o.CommandDelay
		}
		if err := j.line(ctx, l, guardStrong, d); err != nil {
			return err
		}
	}

	boot, err := EncodedCommand(bootstrapScript(o.TargetDir, o.Overwrite, o.DiagLog))
	if err != nil {
		return err
	}
	for _, c := range chunks(boot, bootChunk) {
		if err := j.line(ctx, "bf_boot_append '"+c+"'", guardNormal, o.LineDelay+o.ChunkDelay); err != nil {
			return err
		}
	}
	if err := j.line(ctx, "bf_boot_run", guardStrong, o.CommandDelay); err != nil {
		return err
	}
	j.installed = true
	if err := sleep(ctx, o.BootstrapDelay); err != nil {
		return err
	}

	for i, f := range files {
		if err := j.file(ctx, f); err != nil {
			return err
		}
		res.Files = i + 1
		j.s.log.Info("file sent", "path", f.Path, "bytes", len(f.Data), "n", i+1, "of", len(files))
	}
	return j.line(ctx, "bf_finalize", guardStrong, o.CommandDelay)
}

func (j *fileJob) file(ctx context.Context, f File) error {
	o := j.opts
	out, err := EncodedCommand(o.TargetDir + `\` + f.Path)
	if err != nil {
		return err
	}
	if err := j.line(ctx, "bf_prepare_out_b64 '"+out+"'", guardNormal, o.CommandDelay); err != nil {
		return err
	}
	if err := j.line(ctx, "bf_tmp_reset", guardNormal, o.CommandDelay); err != nil {
		return err
	}
	for _, c := range chunks(base64.StdEncoding.EncodeToString(f.Data), o.ChunkChars) {
		if err := j.line(ctx, "bf_tmp_append '"+c+"'", guardNormal, o.LineDelay+o.ChunkDelay); err != nil {
			return err
		}
	}
	sum := sha256.Sum256(f.Data)
	return j.line(ctx, "bf_commit '"+hex.EncodeToString(sum[:])+"'", guardNormal, o.CommandDelay)
}

// line types one PowerShell line and waits d
func (j *fileJob) line(ctx context.Context, text, guard string, d time.Duration) error {
	if err := j.s.write(ctx, []byte(guard+text+"\n")); err != nil {
		return err
	}
	j.lines++
	return sleep(ctx, d)
}

// cleanup removes the work dir after an abort. It waits for the device to
// empty, then types through macros, starting with Escape to clear whatever
// the abort left half typed on the prompt.
func (j *fileJob) cleanup(ctx context.Context) {
	r := j.r
	r.abortMu.Lock()
	r.aborted.Store(false)
	r.abortMu.Unlock()

	if err := r.waitRoom(ctx, 0, 0); err != nil {
		r.log.Warn("cleanup skipped", "error", err)
		return
	}

	text := "bf_finalize"
	if !j.installed {
		text = fmt.Sprintf("Remove-Item -Force -Recurse -ErrorAction SilentlyContinue '%s\\.tmp'", j.opts.TargetDir)
	}
	esc, err := protocol.EncodeMacro(protocol.OpEscape, nil)
	if err != nil {
		r.log.Warn("cleanup skipped", "error", err)
		return
	}
	typed, err := typeRecords(guardStrong + text)
	if err != nil {
		r.log.Warn("cleanup skipped", "error", err)
		return
	}
	enter, err := protocol.EncodeMacro(protocol.OpEnter, nil)
	if err != nil {
		r.log.Warn("cleanup skipped", "error", err)
		return
	}

	records := append(append([][]byte{esc}, typed...), enter)
	if err := r.macro(ctx, records); err != nil {
		r.log.Warn("cleanup not typed", "error", err)
		return
	}
	j.lines++
	r.log.Info("work dir cleaned up", "bootstrap", j.installed)
}

// runToken names the job's boot file on the host
func runToken() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "run"
	}
	return tokenJunk.ReplaceAllString(fmt.Sprintf("%d_%s", time.Now().UnixMilli(), hex.EncodeToString(b[:])), "_")
}

func chunks(s string, n int) []string {
	var out []string
	for off := 0; off < len(s); off += n {
		out = append(out, s[off:min(off+n, len(s))])
	}
	return out
}

// launcherLines define bf_boot_append and bf_boot_run in the host shell with
// short lines, so a dropped key costs little
func launcherLines(token, targetDir string) []string {
	token = tokenJunk.ReplaceAllString(token, "_")
	return []string{
		"$ErrorActionPreference='Stop'",
		"[Console]::InputEncoding=[Text.Encoding]::UTF8",
		"[Console]::OutputEncoding=[Text.Encoding]::UTF8",
		"$global:bf_root='" + targetDir + "'",
		"$global:bf_work=(Join-Path $global:bf_root '.tmp')",
		"New-Item -ItemType Directory -Force -Path $global:bf_work | Out-Null",
		"$global:bf_bootPath=(Join-Path $global:bf_work 'bf_boot_" + token + ".b64')",
		"Remove-Item -Force -ErrorAction SilentlyContinue $global:bf_bootPath",
		"[IO.File]::WriteAllText($global:bf_bootPath,'',[Text.Encoding]::ASCII)",
		"function bf_boot_append([string]$c) {",
		"  [IO.File]::AppendAllText($global:bf_bootPath,$c,[Text.Encoding]::ASCII)",
		"}",
		"function bf_boot_run() {",
		`  $e=(Get-Content -Raw -Encoding ASCII $global:bf_bootPath) -replace '\s',''`,
		"  Remove-Item -Force -ErrorAction SilentlyContinue $global:bf_bootPath",
		"  $s=[Text.Encoding]::Unicode.GetString([Convert]::FromBase64String($e))",
		"  iex $s",
		"}",
	}
}

// bootstrapScript defines the per-file helpers. It runs through iex inside
// bf_boot_run, so everything it defines is global. Strings from the user
// travel as base64 to stay clear of PowerShell quoting.
func bootstrapScript(targetDir string, policy OverwritePolicy, diag bool) string {
	decode := func(s string) string {
		enc, _ := EncodedCommand(s)
		return "[Text.Encoding]::Unicode.GetString([Convert]::FromBase64String('" + enc + "'))"
	}
	d := 0
	if diag {
		d = 1
	}
	return strings.Join([]string{
		"$ErrorActionPreference='Stop'",
		"[Console]::InputEncoding=[Text.Encoding]::UTF8",
		"[Console]::OutputEncoding=[Text.Encoding]::UTF8",
		"$global:td=" + decode(targetDir),
		"$global:tmp=" + decode(targetDir+`\.tmp\bf_tmp.b64`),
		"$global:overwritePolicy=" + decode(string(policy)),
		fmt.Sprintf("$global:d=%d", d),
		"$global:t=(Join-Path $global:td '.tmp')",
		"New-Item -ItemType Directory -Force -Path $global:td | Out-Null",
		"New-Item -ItemType Directory -Force -Path $global:t | Out-Null",
		"$global:l=(Join-Path $global:t 'bf_last_error.txt')",
		"if ($global:d) { Remove-Item -Force -ErrorAction SilentlyContinue $global:l }",

		"function global:bf_prepare_out_b64([string]$b64){" +
			"$global:out=[Text.Encoding]::Unicode.GetString([Convert]::FromBase64String($b64));" +
			"$outDir=Split-Path -Parent $global:out;" +
			"if($outDir){New-Item -ItemType Directory -Force -Path $outDir|Out-Null};" +
			"if(Test-Path -LiteralPath $global:out){" +
			"if($global:overwritePolicy -eq 'fail'){throw('File exists: '+$global:out)}" +
			"elseif($global:overwritePolicy -eq 'overwrite'){Remove-Item -Force -LiteralPath $global:out}" +
			"elseif($global:overwritePolicy -eq 'backup'){$bak=($global:out+'.bak');while(Test-Path -LiteralPath $bak){$bak=($bak+'.bak')};Move-Item -Force -LiteralPath $global:out -Destination $bak}}}",

		"function global:bf_commit([string]$expected){try{" +
			"if(!$global:out){throw('Missing out path')};" +
			`$b=(Get-Content -Raw -Encoding ASCII $global:tmp)-replace'\s','';` +
			"[IO.File]::WriteAllBytes($global:out,[Convert]::FromBase64String($b));" +
			"$a=(Get-FileHash -Algorithm SHA256 -LiteralPath $global:out).Hash.ToLower();" +
			"if($a -ne $expected){throw('SHA256 mismatch: '+$global:out)};" +
			"Remove-Item -Force -ErrorAction SilentlyContinue $global:tmp" +
			"}catch{if($global:d){try{($_|Out-String)|Set-Content -Encoding UTF8 -LiteralPath $global:l}catch{}};throw}}",

		"function global:bf_tmp_reset(){Remove-Item -Force -ErrorAction SilentlyContinue $global:tmp;[IO.File]::WriteAllText($global:tmp,'',[Text.Encoding]::ASCII)}",
		"function global:bf_tmp_append([string]$s){[IO.File]::AppendAllText($global:tmp,$s,[Text.Encoding]::ASCII)}",

		"function global:bf_finalize(){try{" +
			"Remove-Item -Force -ErrorAction SilentlyContinue $global:tmp;" +
			"if(Test-Path -LiteralPath $global:l){Remove-Item -Force -ErrorAction SilentlyContinue $global:l};" +
			"if(Test-Path -LiteralPath $global:t){Remove-Item -Force -Recurse -ErrorAction SilentlyContinue $global:t}" +
			"}catch{}}",
	}, ";")
}
