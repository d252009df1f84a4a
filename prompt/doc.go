// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package prompt 提供提示词模板变量解析与提示词预设管理。

Resolver 以不动点迭代方式展开 %p%、%un%、%r:A|B%、%d% 等变量，
最多执行 MaxRounds 轮；超过 MaxInputRunes 的输入不做处理。
%% 表示字面量百分号。

Book 保存按名称索引的生图预设与优化预设，并负责把预设名展开为
完整提示词、追加附加提示词以及查重。
*/
package prompt
