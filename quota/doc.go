// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package quota 实现生图次数的额度事务、余额账本、签到与群组限流。

# 事务

[Transaction] 的状态机为 Created → Allowed | Rejected，
Allowed → Committed | RolledBack。管理员免费；黑名单优先于白名单；
用户或群组任一方付得起即放行，扣费时群组优先。

# 账本

[Ledger] 在内存中维护用户/群组余额、签到日期和当日统计，
通过 [Store] 定期落盘（[GormStore] 或 [MemoryStore]）。
同一计数器上的检查与扣费由计数器锁串行化。

# 限流

[GroupLimiter] 提供每群滑动窗口限流，[MemoryLimiter] 用于单实例，
[RedisLimiter] 基于 ZSET，多实例共享。
*/
package quota
