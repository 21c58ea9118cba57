// Package bruscript runs Bruno `.bru` requests in-process together with the
// JavaScript that travels with them: pre-request and post-response scripts,
// tests, assertions and hook handlers declared at collection, folder and
// request level.
//
// Quick start:
//
//		ctx := context.Background()
//		r, _ := bruscript.New(ctx)
//		sum, _ := r.RunFolder(ctx, "sampledata", bruscript.RunOptions{
//			EnvPath: "sampledata/environments/local.bru",
//		})
//
// Run a single case with inline vars:
//
//		res, _ := r.RunFile(ctx, "cases/get_user.bru", bruscript.RunOptions{
//			EnvPath: "environments/local.bru",
//			Vars:    map[string]string{"USER_ID": "123"},
//		})
//		for _, t := range res.Tests {
//			fmt.Println(t.Status, t.Description)
//		}
//
// Script runtime settings come from BRUSCRIPT_* environment variables (see
// internal/config) and can be replaced wholesale:
//
//		cfg := config.Default()
//		cfg.ContextRoots = []string{"lib"}
//		r, _ := bruscript.New(ctx,
//			bruscript.WithConfig(cfg),
//			bruscript.WithConsolidatedHooks(false),
//		)
//
// Go hooks see the final HTTP request and the finished case:
//
//		r, _ := bruscript.New(ctx,
//			bruscript.WithPreRequestHook(func(ctx context.Context, info bruscript.HookInfo, req *http.Request, log pslog.Base) error {
//				req.Header.Set("X-Signature", sign(req))
//				return nil
//			}),
//			bruscript.WithPostRequestHook(func(ctx context.Context, info bruscript.HookInfo, res bruscript.CaseResult, log pslog.Base) error {
//				if !res.Passed {
//					log.Warn("case failed", "file", info.FilePath, "err", res.ErrorText)
//				}
//				return nil
//			}),
//		)
//
// Data-driven runs seed every iteration with one CSV row or JSON object:
//
//		sum, _ := r.RunFolder(ctx, "sampledata", bruscript.RunOptions{
//			CSVFilePath: "users.csv", // or JSONFilePath
//			Parallel:    true,
//		})
//
// Script failures never surface as Go errors: they are recorded in
// CaseResult.ErrorText as a report pointing at the failing line of the
// .bru file. Errors returned from RunFile and RunFolder are host failures
// such as unreadable files or a cancelled context.
package bruscript
